package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
)

var audioFormats = Formats{
	Input:  []string{"mp3", "wav", "flac", "aac", "m4a", "ogg", "wma", "opus", "amr"},
	Output: []string{"mp3", "wav", "flac", "aac", "m4a", "ogg", "opus"},
}

// audioCodecs maps an output format to its ffmpeg encoder.
var audioCodecs = map[string]string{
	"mp3":  "libmp3lame",
	"wav":  "pcm_s16le",
	"flac": "flac",
	"aac":  "aac",
	"m4a":  "aac",
	"ogg":  "libvorbis",
	"opus": "libopus",
}

// lossless formats ignore the bitrate option.
var losslessAudio = map[string]bool{"wav": true, "flac": true}

var bitratePattern = regexp.MustCompile(`^\d+[kK]?$`)

// DefaultAudioBitrate is used for lossy outputs when no bitrate is given.
const DefaultAudioBitrate = "192k"

// AudioEngine re-encodes audio through ffmpeg.
type AudioEngine struct {
	caps     Capabilities
	executor ffmpeg.Executor
	timeout  time.Duration
	bitrate  string
	logger   *slog.Logger
}

// NewAudioEngine builds an audio engine. Config keys: default_bitrate,
// transcode_timeout.
func NewAudioEngine(cfg Config, deps Deps) (Engine, error) {
	bitrate := DefaultAudioBitrate
	if v, ok := cfg["default_bitrate"]; ok {
		if !bitratePattern.MatchString(v) {
			return nil, fmt.Errorf("invalid default_bitrate %q", v)
		}
		bitrate = v
	}
	executor := deps.Executor
	if executor == nil {
		executor = ffmpeg.NewProcessExecutor(deps.Logger)
	}
	return &AudioEngine{
		caps:     deps.Capabilities,
		executor: executor,
		timeout:  cfg.Duration("transcode_timeout", deps.Timeouts.Transcode),
		bitrate:  bitrate,
		logger:   deps.logger(KindAudio),
	}, nil
}

func (e *AudioEngine) Kind() Kind       { return KindAudio }
func (e *AudioEngine) Formats() Formats { return audioFormats }

func (e *AudioEngine) Dependencies() map[string]bool {
	return map[string]bool{"ffmpeg": e.caps.FFmpeg}
}

func (e *AudioEngine) Available() bool {
	return e.caps.FFmpeg
}

// Command builds the ffmpeg invocation for req. Options: bitrate,
// sample_rate, channels, normalize. The time window and speed come from
// the conversion params.
func (e *AudioEngine) Command(req Request, format string) (*ffmpeg.Command, error) {
	codec, ok := audioCodecs[format]
	if !ok {
		return nil, fmt.Errorf("no encoder for %s", format)
	}
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}

	b := ffmpeg.NewCommandBuilder(e.caps.FFmpegPath).
		Overwrite().
		Input(req.InputPath)

	start, duration, bounded := req.Params.Window()
	b.TimeWindow(start, duration, bounded)
	b.OutputArgs("-vn", "-c:a", codec)

	if !losslessAudio[format] {
		bitrate := req.option("bitrate", e.bitrate)
		if !bitratePattern.MatchString(bitrate) {
			return nil, fmt.Errorf("bitrate must look like 192k, got %q", bitrate)
		}
		b.OutputArgs("-b:a", bitrate)
	}
	if sr, err := req.intOption("sample_rate", 0); err != nil {
		return nil, err
	} else if sr > 0 {
		b.OutputArgs("-ar", strconv.Itoa(sr))
	}
	if ch, err := req.intOption("channels", 0); err != nil {
		return nil, err
	} else if ch == 1 || ch == 2 {
		b.OutputArgs("-ac", strconv.Itoa(ch))
	} else if ch != 0 {
		return nil, fmt.Errorf("channels must be 1 or 2")
	}

	var filters []string
	if speed := req.Params.Speed; speed > 0 && speed != 1 {
		filters = append(filters, atempoChain(speed)...)
	}
	if v := req.option("normalize", ""); v == "true" || v == "1" || v == "on" {
		filters = append(filters, "loudnorm")
	}
	if len(filters) > 0 {
		b.OutputArgs("-af", strings.Join(filters, ","))
	}

	return b.Output(req.OutputPath).Build(), nil
}

// atempoChain splits a speed factor into atempo stages, each within the
// 0.5..2.0 range the filter accepts.
func atempoChain(speed float64) []string {
	var stages []string
	for speed > 2.0 {
		stages = append(stages, "atempo=2.0")
		speed /= 2.0
	}
	for speed < 0.5 {
		stages = append(stages, "atempo=0.5")
		speed /= 0.5
	}
	return append(stages, "atempo="+strconv.FormatFloat(speed, 'f', -1, 64))
}

// Convert re-encodes the input into the requested format.
func (e *AudioEngine) Convert(ctx context.Context, req Request) Result {
	format := strings.ToLower(req.OutputFormat)
	if format == "" {
		format = "mp3"
	}
	if !audioFormats.SupportsOutput(format) {
		return unsupportedOutput(KindAudio, format, audioFormats)
	}
	if codec := audioCodecs[format]; !e.caps.HasEncoder(codec) {
		return Failed(ErrorClassDependency, false, "ffmpeg lacks the %s encoder needed for %s", codec, format)
	}

	cmd, err := e.Command(req, format)
	if err != nil {
		return Failed(ErrorClassValidation, false, "invalid parameters: %v", err)
	}
	req.progress(10, "audio engine ready")

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return FailedFrom("creating output directory", err)
	}

	req.progress(30, "transcoding audio")
	if err := e.executor.Execute(ctx, cmd, ffmpeg.ExecOptions{Timeout: e.timeout}); err != nil {
		_ = os.Remove(req.OutputPath)
		return FailedFrom("transcoding audio", err)
	}
	req.progress(90, "audio transcoded")

	st, err := os.Stat(req.OutputPath)
	if err != nil || st.Size() == 0 {
		return Failed(ErrorClassTranscoder, false, "transcoder produced no output")
	}
	e.logger.Debug("audio converted", slog.String("format", format), slog.Int64("size", st.Size()))

	return Succeeded(req.OutputPath, map[string]any{
		"output_info": map[string]any{"format": format, "codec": audioCodecs[format], "size": st.Size()},
	})
}
