package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/mediaforge/internal/models"
)

// Strategy names the execution plan chosen for a GIF conversion.
type Strategy string

const (
	// StrategySinglePass runs the filter chain once and lets the GIF encoder
	// reduce colours itself.
	StrategySinglePass Strategy = "single_pass"
	// StrategyTwoPass generates a palette first and applies it with dithering.
	StrategyTwoPass Strategy = "two_pass"
)

// Default invocation budgets.
const (
	DefaultTranscodeTimeout = 300 * time.Second
	DefaultPaletteTimeout   = 300 * time.Second
)

// ProgressFunc receives pipeline checkpoints.
type ProgressFunc func(percent int, message string)

// GIFPipelineConfig configures a GIFPipeline.
type GIFPipelineConfig struct {
	FFmpegPath       string
	TranscodeTimeout time.Duration
	PaletteTimeout   time.Duration
	// TempDir holds palette side outputs. Empty means os.TempDir().
	TempDir string
}

// GIFPipeline converts video to animated GIF through ffmpeg filter chains.
type GIFPipeline struct {
	cfg      GIFPipelineConfig
	executor Executor
	logger   *slog.Logger
}

// NewGIFPipeline creates a pipeline using executor to run ffmpeg.
func NewGIFPipeline(cfg GIFPipelineConfig, executor Executor, logger *slog.Logger) *GIFPipeline {
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = DefaultTranscodeTimeout
	}
	if cfg.PaletteTimeout <= 0 {
		cfg.PaletteTimeout = DefaultPaletteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GIFPipeline{cfg: cfg, executor: executor, logger: logger}
}

// FilterChain returns the ordered filter stages for p: speed, frame rate,
// scale, then colour mode.
func FilterChain(p models.ConversionParams) []string {
	var stages []string
	if p.Speed > 0 && p.Speed != 1.0 {
		stages = append(stages, "setpts=PTS/"+strconv.FormatFloat(p.Speed, 'f', -1, 64))
	}
	stages = append(stages, fmt.Sprintf("fps=%d", p.FPS))
	if !p.KeepOriginalSize {
		stages = append(stages, fmt.Sprintf("scale=%d:-1:flags=fast_bilinear", p.Width))
	}
	if p.Grayscale {
		stages = append(stages, "format=gray")
	}
	return stages
}

// GIFPlan is the list of invocations a conversion will perform.
type GIFPlan struct {
	Strategy    Strategy
	Passes      []*Command
	PalettePath string
}

// Plan builds the invocations without running them. palettePath is only
// used by the two-pass strategy.
func (g *GIFPipeline) Plan(input, output string, p models.ConversionParams, palettePath string) *GIFPlan {
	chain := strings.Join(FilterChain(p), ",")
	start, duration, bounded := p.Window()

	if !p.HighQuality {
		cmd := NewCommandBuilder(g.cfg.FFmpegPath).
			Overwrite().
			Input(input).
			TimeWindow(start, duration, bounded).
			VideoFilter(chain).
			OutputArgs("-gifflags", "+transdiff").
			Output(output).
			Build()
		return &GIFPlan{Strategy: StrategySinglePass, Passes: []*Command{cmd}}
	}

	paletteGen := NewCommandBuilder(g.cfg.FFmpegPath).
		Overwrite().
		Input(input).
		TimeWindow(start, duration, bounded).
		VideoFilter(chain + ",palettegen=max_colors=256").
		Output(palettePath).
		Build()

	dither := p.Dither
	if !dither.Valid() {
		dither = models.DitherBayer
	}
	paletteUse := NewCommandBuilder(g.cfg.FFmpegPath).
		Overwrite().
		Input(input).
		Input(palettePath).
		TimeWindow(start, duration, bounded).
		FilterGraph(fmt.Sprintf("%s[x];[x][1:v]paletteuse=dither=%s", chain, dither)).
		Output(output).
		Build()

	return &GIFPlan{
		Strategy:    StrategyTwoPass,
		Passes:      []*Command{paletteGen, paletteUse},
		PalettePath: palettePath,
	}
}

// Run converts input to output. Any non-zero exit fails the whole run and no
// partial output is kept. The palette side output of the two-pass strategy is
// removed on every path.
func (g *GIFPipeline) Run(ctx context.Context, input, output string, p models.ConversionParams, progress ProgressFunc) (*GIFPlan, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	if !p.HighQuality {
		plan := g.Plan(input, output, p, "")
		progress(30, "transcoding (single pass)")
		if err := g.executor.Execute(ctx, plan.Passes[0], ExecOptions{Timeout: g.cfg.TranscodeTimeout}); err != nil {
			g.discard(output)
			return plan, fmt.Errorf("single pass: %w", err)
		}
		progress(90, "transcode finished")
		return plan, nil
	}

	palette, err := os.CreateTemp(g.cfg.TempDir, "palette-*.png")
	if err != nil {
		return nil, fmt.Errorf("creating palette file: %w", err)
	}
	palettePath := palette.Name()
	_ = palette.Close()
	defer g.discard(palettePath)

	plan := g.Plan(input, output, p, palettePath)

	progress(30, "generating palette")
	if err := g.executor.Execute(ctx, plan.Passes[0], ExecOptions{Timeout: g.cfg.PaletteTimeout}); err != nil {
		return plan, fmt.Errorf("palette generation: %w", err)
	}

	progress(60, fmt.Sprintf("applying palette (dither=%s)", p.Dither))
	if err := g.executor.Execute(ctx, plan.Passes[1], ExecOptions{Timeout: g.cfg.TranscodeTimeout}); err != nil {
		g.discard(output)
		return plan, fmt.Errorf("palette application: %w", err)
	}

	progress(90, "transcode finished")
	return plan, nil
}

// discard removes a file, logging instead of failing.
func (g *GIFPipeline) discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("failed to remove temporary file",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}
