package engine

import (
	"context"
	"log/slog"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
)

// Capabilities records which external tools this host provides. It is
// detected once at startup and never refreshed by engines.
type Capabilities struct {
	FFmpeg       bool   `json:"ffmpeg" yaml:"ffmpeg"`
	FFprobe      bool   `json:"ffprobe" yaml:"ffprobe"`
	FFmpegPath   string `json:"ffmpeg_path,omitempty" yaml:"ffmpeg_path,omitempty"`
	FFprobePath  string `json:"ffprobe_path,omitempty" yaml:"ffprobe_path,omitempty"`
	Version      string `json:"version,omitempty" yaml:"version,omitempty"`
	MajorVersion int    `json:"major_version,omitempty" yaml:"major_version,omitempty"`

	encoders map[string]bool
}

// HasEncoder reports whether ffmpeg advertised the encoder. An empty
// encoder list is treated as unknown and accepts everything.
func (c Capabilities) HasEncoder(name string) bool {
	if len(c.encoders) == 0 {
		return c.FFmpeg
	}
	return c.encoders[name]
}

// CapabilitiesFromInfo converts a detection result.
func CapabilitiesFromInfo(info *ffmpeg.BinaryInfo) Capabilities {
	if info == nil {
		return Capabilities{}
	}
	caps := Capabilities{
		FFmpeg:       info.FFmpegPath != "",
		FFprobe:      info.HasFFprobe(),
		FFmpegPath:   info.FFmpegPath,
		FFprobePath:  info.FFprobePath,
		Version:      info.Version,
		MajorVersion: info.MajorVersion,
	}
	if len(info.Encoders) > 0 {
		caps.encoders = make(map[string]bool, len(info.Encoders))
		for _, e := range info.Encoders {
			caps.encoders[e] = true
		}
	}
	return caps
}

// DetectCapabilities probes the host once. A missing ffmpeg is not an
// error: the returned table simply marks it absent.
func DetectCapabilities(ctx context.Context, detector *ffmpeg.BinaryDetector, logger *slog.Logger) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := detector.Detect(ctx)
	if err != nil {
		logger.Warn("ffmpeg not available, video and audio engines disabled",
			slog.String("error", err.Error()))
		return Capabilities{}
	}
	caps := CapabilitiesFromInfo(info)
	logger.Info("detected transcoder",
		slog.String("ffmpeg", caps.FFmpegPath),
		slog.String("ffprobe", caps.FFprobePath),
		slog.String("version", caps.Version))
	return caps
}
