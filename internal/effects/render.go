package effects

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
	"github.com/jmylchreest/mediaforge/internal/models"
)

// Apply runs the effects of p on clip in order: speed, boomerang or reverse,
// grayscale. Boomerang wins when both boomerang and reverse are set.
func Apply(clip *Clip, p models.ConversionParams) *Clip {
	clip.Speed(p.Speed)
	switch {
	case p.Boomerang:
		clip.Boomerang()
	case p.Reverse:
		clip.TimeMirror()
	}
	if p.Grayscale {
		clip.Grayscale()
	}
	return clip
}

// Render decodes input, applies p and writes the GIF to output. Frame rate,
// width and time window come from p; opts supplies the source size and
// paths. HighQuality and Dither have no effect here.
func Render(ctx context.Context, executor ffmpeg.Executor, input, output string, p models.ConversionParams, opts OpenOptions) (err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts.FPS = p.FPS
	opts.Width = 0
	if !p.KeepOriginalSize {
		opts.Width = p.Width
	}
	start, duration, bounded := p.Window()
	opts.Window = Window{Start: start, Duration: duration, Bounded: bounded}

	clip, err := Open(ctx, executor, input, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := clip.Close(); cerr != nil {
			logger.Warn("failed to clean up clip", slog.String("error", cerr.Error()))
		}
	}()

	Apply(clip, p)

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing output: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	return clip.WriteGIF(f, p.FPS)
}
