package effects

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
)

// DefaultMaxFrames bounds how many frames a clip may hold.
const DefaultMaxFrames = 1500

var (
	// ErrTooManyFrames is returned when the decoded clip exceeds MaxFrames.
	ErrTooManyFrames = errors.New("clip exceeds frame limit")

	// ErrNoFrames is returned when the selected window decodes to nothing.
	ErrNoFrames = errors.New("no frames in selected window")
)

// Window selects the part of the source to decode.
type Window struct {
	Start    float64
	Duration float64
	Bounded  bool
}

// OpenOptions configures Open.
type OpenOptions struct {
	FFmpegPath string

	// SourceWidth and SourceHeight are the displayed dimensions of the
	// input, after rotation. Decoded frames are scaled to exactly this size.
	SourceWidth  int
	SourceHeight int

	// FPS is the sampling rate. Frames are taken every 1/FPS seconds.
	FPS int

	// Width scales frames while decoding. Zero keeps the source size.
	Width int

	Window    Window
	MaxFrames int
	TempDir   string

	// Timeout bounds the decode. Zero uses ffmpeg.DefaultTranscodeTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Open copies input to a private temp file and decodes it into a Clip. The
// caller must Close the clip, which removes the copy.
func Open(ctx context.Context, executor ffmpeg.Executor, input string, opts OpenOptions) (*Clip, error) {
	if opts.SourceWidth <= 0 || opts.SourceHeight <= 0 {
		return nil, fmt.Errorf("opening clip: unknown frame size %dx%d", opts.SourceWidth, opts.SourceHeight)
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("opening clip: invalid frame rate %d", opts.FPS)
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tempPath, err := copyToTemp(input, opts.TempDir)
	if err != nil {
		return nil, err
	}
	clip := &Clip{tempPath: tempPath, logger: logger}

	sink := &frameSink{
		width:     opts.SourceWidth,
		height:    opts.SourceHeight,
		target:    opts.Width,
		maxFrames: opts.MaxFrames,
	}

	cmd := ffmpeg.NewCommandBuilder(opts.FFmpegPath).
		Input(tempPath).
		TimeWindow(opts.Window.Start, opts.Window.Duration, opts.Window.Bounded).
		VideoFilter(fmt.Sprintf("fps=%d,scale=%d:%d", opts.FPS, opts.SourceWidth, opts.SourceHeight)).
		OutputArgs("-f", "rawvideo", "-pix_fmt", "rgba").
		Output("pipe:1").
		Build()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = ffmpeg.DefaultTranscodeTimeout
	}

	execErr := executor.Execute(ctx, cmd, ffmpeg.ExecOptions{Timeout: timeout, Stdout: sink})
	if sink.err != nil {
		_ = clip.Close()
		return nil, fmt.Errorf("decoding frames: %w", sink.err)
	}
	if execErr != nil {
		_ = clip.Close()
		return nil, fmt.Errorf("decoding frames: %w", execErr)
	}
	if len(sink.frames) == 0 {
		_ = clip.Close()
		return nil, fmt.Errorf("decoding frames: %w", ErrNoFrames)
	}

	clip.Frames = sink.frames
	logger.Debug("clip decoded",
		slog.Int("frames", len(sink.frames)),
		slog.Int("width", clip.Bounds().Dx()),
		slog.Int("height", clip.Bounds().Dy()))
	return clip, nil
}

func copyToTemp(input, dir string) (string, error) {
	src, err := os.Open(input)
	if err != nil {
		return "", fmt.Errorf("opening input: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(dir, "clip-*"+filepath.Ext(input))
	if err != nil {
		return "", fmt.Errorf("creating temp copy: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("copying input: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("closing temp copy: %w", err)
	}
	return dst.Name(), nil
}

// frameSink splits a raw RGBA stream into frames.
type frameSink struct {
	width, height int
	target        int
	maxFrames     int

	buf    []byte
	frames []*image.RGBA
	err    error
}

func (s *frameSink) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	frameSize := s.width * s.height * 4
	s.buf = append(s.buf, p...)
	for len(s.buf) >= frameSize {
		if len(s.frames) >= s.maxFrames {
			s.err = fmt.Errorf("%w (%d)", ErrTooManyFrames, s.maxFrames)
			return 0, s.err
		}
		frame := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
		copy(frame.Pix, s.buf[:frameSize])
		s.buf = s.buf[frameSize:]
		if s.target > 0 && s.target != s.width {
			frame = resizeFrame(frame, s.target)
		}
		s.frames = append(s.frames, frame)
	}
	return len(p), nil
}
