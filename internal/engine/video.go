package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/mediaforge/internal/effects"
	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
	"github.com/jmylchreest/mediaforge/internal/models"
)

var videoFormats = Formats{
	Input: []string{
		"mp4", "avi", "mov", "mkv", "webm", "flv", "m4v",
		"wmv", "mpg", "mpeg", "3gp", "ogg", "ogv", "gif",
	},
	Output: []string{"gif", "mp4", "webm", "avi"},
}

// VideoEngine turns video into animated GIF. Linear effects run through the
// ffmpeg filter pipeline; reverse and boomerang go through the in-memory
// frame buffer.
type VideoEngine struct {
	caps      Capabilities
	executor  ffmpeg.Executor
	pipeline  *ffmpeg.GIFPipeline
	prober    *ffmpeg.Prober
	bounds    models.ParamBounds
	tempDir   string
	maxFrames int
	timeouts  Timeouts
	logger    *slog.Logger
}

// NewVideoEngine builds a video engine. Recognised config keys are
// max_frames, probe_timeout, transcode_timeout and palette_timeout.
func NewVideoEngine(cfg Config, deps Deps) (Engine, error) {
	timeouts := Timeouts{
		Probe:     cfg.Duration("probe_timeout", deps.Timeouts.Probe),
		Transcode: cfg.Duration("transcode_timeout", deps.Timeouts.Transcode),
		Palette:   cfg.Duration("palette_timeout", deps.Timeouts.Palette),
	}
	bounds := deps.Bounds
	if bounds == (models.ParamBounds{}) {
		bounds = models.DefaultParamBounds()
	}
	executor := deps.Executor
	if executor == nil {
		executor = ffmpeg.NewProcessExecutor(deps.Logger)
	}
	logger := deps.logger(KindVideo)

	return &VideoEngine{
		caps:     deps.Capabilities,
		executor: executor,
		pipeline: ffmpeg.NewGIFPipeline(ffmpeg.GIFPipelineConfig{
			FFmpegPath:       deps.Capabilities.FFmpegPath,
			TranscodeTimeout: timeouts.Transcode,
			PaletteTimeout:   timeouts.Palette,
			TempDir:          deps.TempDir,
		}, executor, logger),
		prober:    ffmpeg.NewProber(deps.Capabilities.FFprobePath, executor).WithTimeout(timeouts.Probe),
		bounds:    bounds,
		tempDir:   deps.TempDir,
		maxFrames: cfg.Int("max_frames", effects.DefaultMaxFrames),
		timeouts:  timeouts,
		logger:    logger,
	}, nil
}

func (e *VideoEngine) Kind() Kind       { return KindVideo }
func (e *VideoEngine) Formats() Formats { return videoFormats }

func (e *VideoEngine) Dependencies() map[string]bool {
	return map[string]bool{
		"ffmpeg":  e.caps.FFmpeg,
		"ffprobe": e.caps.FFprobe,
	}
}

func (e *VideoEngine) Available() bool {
	return allPresent(e.Dependencies())
}

// Convert runs one video conversion.
func (e *VideoEngine) Convert(ctx context.Context, req Request) Result {
	format := strings.ToLower(req.OutputFormat)
	if format == "" {
		format = strings.ToLower(req.Params.OutputFormat)
	}
	if format == "" {
		format = "gif"
	}
	if !videoFormats.SupportsOutput(format) {
		return unsupportedOutput(KindVideo, format, videoFormats)
	}
	if format != "gif" {
		return Failed(ErrorClassValidation, false, "output format %s not yet supported for video", format)
	}

	if err := req.Params.Validate(); err != nil {
		return FailedFrom("invalid parameters", err)
	}
	p := req.Params.Normalize(e.bounds)
	req.progress(10, "video engine ready")

	info, err := e.prober.Info(ctx, req.InputPath)
	if err != nil {
		return FailedFrom("probing input", err)
	}
	if info.Width == 0 || info.Height == 0 {
		return Failed(ErrorClassTranscoder, false, "input has no video stream")
	}
	if err := checkWindow(p, info.Duration); err != nil {
		return FailedFrom("invalid parameters", err)
	}
	req.progress(20, fmt.Sprintf("probed %dx%d, %.1fs", info.Width, info.Height, info.Duration))

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return FailedFrom("creating output directory", err)
	}

	var strategy string
	if p.NeedsFrameBuffer() {
		strategy = "frame_buffer"
		req.progress(30, "rendering time effects")
		err = effects.Render(ctx, e.executor, req.InputPath, req.OutputPath, p, effects.OpenOptions{
			FFmpegPath:   e.caps.FFmpegPath,
			SourceWidth:  info.Width,
			SourceHeight: info.Height,
			MaxFrames:    e.maxFrames,
			TempDir:      e.tempDir,
			Timeout:      e.timeouts.Transcode,
			Logger:       e.logger,
		})
		if err != nil {
			return FailedFrom("rendering effects", err)
		}
		req.progress(90, "time effects rendered")
	} else {
		plan, err := e.pipeline.Run(ctx, req.InputPath, req.OutputPath, p, req.Progress)
		if err != nil {
			return FailedFrom("transcoding", err)
		}
		strategy = string(plan.Strategy)
	}

	stat, err := os.Stat(req.OutputPath)
	if err != nil || stat.Size() == 0 {
		_ = os.Remove(req.OutputPath)
		return Failed(ErrorClassTranscoder, false, "transcoder produced no output")
	}

	e.logger.Info("video converted",
		slog.String("strategy", strategy),
		slog.Int64("size", stat.Size()))

	meta := map[string]any{
		"input_info":  info.AsMap(),
		"output_info": map[string]any{"format": format, "size": stat.Size()},
		"strategy":    strategy,
	}
	if params, err := p.AsMap(); err == nil {
		meta["conversion_params"] = params
	}
	return Succeeded(req.OutputPath, meta)
}

// checkWindow rejects a time window that lies outside the probed duration.
// An unknown duration (zero) is not checked.
func checkWindow(p models.ConversionParams, duration float64) error {
	if duration <= 0 {
		return nil
	}
	if p.StartTime >= duration {
		return models.ErrValidation{
			Field:   "start_time",
			Message: fmt.Sprintf("exceeds the video duration (%.1fs)", duration),
		}
	}
	if p.EndTime != nil && *p.EndTime > duration {
		return models.ErrValidation{
			Field:   "end_time",
			Message: fmt.Sprintf("exceeds the video duration (%.1fs)", duration),
		}
	}
	return nil
}
