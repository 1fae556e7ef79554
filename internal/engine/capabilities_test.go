package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
)

func TestCapabilitiesFromInfo(t *testing.T) {
	assert.Equal(t, Capabilities{}, CapabilitiesFromInfo(nil))

	caps := CapabilitiesFromInfo(&ffmpeg.BinaryInfo{
		FFmpegPath:   "/usr/bin/ffmpeg",
		FFprobePath:  "/usr/bin/ffprobe",
		Version:      "6.1.1",
		MajorVersion: 6,
		Encoders:     []string{"gif", "libmp3lame"},
	})
	assert.True(t, caps.FFmpeg)
	assert.True(t, caps.FFprobe)
	assert.Equal(t, 6, caps.MajorVersion)
	assert.True(t, caps.HasEncoder("gif"))
	assert.False(t, caps.HasEncoder("libopus"))

	noList := CapabilitiesFromInfo(&ffmpeg.BinaryInfo{FFmpegPath: "/usr/bin/ffmpeg"})
	assert.False(t, noList.FFprobe)
	assert.True(t, noList.HasEncoder("libopus"), "unknown encoder list accepts everything")
}

func TestDetectCapabilities_MissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv(ffmpeg.EnvFFmpegBinary, "")

	detector := ffmpeg.NewBinaryDetector(ffmpeg.DetectorConfig{FFmpegPath: "/nonexistent/ffmpeg"})
	caps := DetectCapabilities(context.Background(), detector, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.False(t, caps.FFmpeg)
	assert.False(t, caps.FFprobe)
	assert.False(t, caps.HasEncoder("gif"))
}
