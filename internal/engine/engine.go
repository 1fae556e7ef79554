// Package engine routes conversion requests to format-specific engines.
//
// The Dispatcher detects the media kind from a file name, builds (and
// caches) the engine for that kind, checks it against the capability table
// detected at startup, and converts every failure into a Result. Engines
// never return Go errors for domain failures.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
	"github.com/jmylchreest/mediaforge/internal/models"
)

// Kind identifies a family of media formats.
type Kind string

// Known kinds. KindUnknown is the zero value.
const (
	KindUnknown  Kind = ""
	KindVideo    Kind = "video"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindArchive  Kind = "archive"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindVideo, KindImage, KindAudio, KindDocument, KindArchive}
}

// ParseKind converts a string to a Kind, returning KindUnknown when unknown.
func ParseKind(s string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Kinds(), k) {
		return k
	}
	return KindUnknown
}

// DefaultOutputFormat is the format an engine writes when none is requested.
func DefaultOutputFormat(kind Kind) string {
	switch kind {
	case KindVideo:
		return "gif"
	case KindImage:
		return "png"
	case KindAudio:
		return "mp3"
	case KindDocument:
		return "txt"
	case KindArchive:
		return "zip"
	}
	return ""
}

// ErrorClass groups failures by how callers should react to them.
type ErrorClass string

const (
	ErrorClassNone           ErrorClass = ""
	ErrorClassValidation     ErrorClass = "validation"
	ErrorClassDependency     ErrorClass = "dependency"
	ErrorClassTranscoder     ErrorClass = "transcoder"
	ErrorClassInfrastructure ErrorClass = "infrastructure"
)

// Result is the outcome of one conversion.
type Result struct {
	Success      bool           `json:"success"`
	OutputPath   string         `json:"output_path,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Retryable    bool           `json:"retryable"`
	ErrorClass   ErrorClass     `json:"error_class,omitempty"`
}

// Succeeded returns a successful result.
func Succeeded(outputPath string, metadata map[string]any) Result {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Result{Success: true, OutputPath: outputPath, Metadata: metadata}
}

// Failed returns a failed result with an explicit class.
func Failed(class ErrorClass, retryable bool, format string, args ...any) Result {
	return Result{
		ErrorMessage: fmt.Sprintf(format, args...),
		ErrorClass:   class,
		Retryable:    retryable,
		Metadata:     map[string]any{},
	}
}

// Formats lists the extensions an engine reads and writes.
type Formats struct {
	Input  []string `json:"input" yaml:"input"`
	Output []string `json:"output" yaml:"output"`
}

// SupportsOutput reports whether ext is a declared output format.
func (f Formats) SupportsOutput(ext string) bool {
	return slices.Contains(f.Output, strings.ToLower(ext))
}

// Descriptor describes an engine for status reporting.
type Descriptor struct {
	Kind         Kind            `json:"kind" yaml:"kind"`
	Available    bool            `json:"available" yaml:"available"`
	Dependencies map[string]bool `json:"dependencies" yaml:"dependencies"`
	Formats      Formats         `json:"supported_formats" yaml:"supported_formats"`
}

// ProgressFunc receives conversion checkpoints.
type ProgressFunc = ffmpeg.ProgressFunc

// Request is one conversion to perform.
type Request struct {
	// InputPath is the local file to read.
	InputPath string
	// OutputPath is where the artifact is written.
	OutputPath string
	// Filename is the user-facing name used for kind detection. Empty means
	// the base name of InputPath.
	Filename string
	// Kind skips detection when set.
	Kind Kind

	OutputFormat string
	Params       models.ConversionParams
	// Options carries engine specific settings such as audio bitrate or
	// image quality.
	Options map[string]string
	Config  Config

	Progress ProgressFunc
}

func (r Request) progress(percent int, message string) {
	if r.Progress != nil {
		r.Progress(percent, message)
	}
}

func (r Request) option(key, def string) string {
	if v, ok := r.Options[key]; ok && v != "" {
		return v
	}
	return def
}

func (r Request) intOption(key string, def int) (int, error) {
	v, ok := r.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// Engine converts files of one kind.
type Engine interface {
	Kind() Kind
	Formats() Formats
	// Dependencies reports each external dependency and whether it is present.
	Dependencies() map[string]bool
	Available() bool
	Convert(ctx context.Context, req Request) Result
}

// Config is the engine construction config. Engines built with equal
// configs are shared.
type Config map[string]string

// CacheKey returns "kind|k1=v1,k2=v2" with keys sorted.
func (c Config) CacheKey(kind Kind) string {
	keys := slices.Sorted(maps.Keys(c))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[k])
	}
	return string(kind) + "|" + strings.Join(parts, ",")
}

// Duration reads a duration value, returning def when absent or invalid.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	if v, ok := c[key]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Int reads an integer value, returning def when absent or invalid.
func (c Config) Int(key string, def int) int {
	if v, ok := c[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Deps are the shared collaborators handed to every engine factory.
type Deps struct {
	Capabilities Capabilities
	Executor     ffmpeg.Executor
	TempDir      string
	Bounds       models.ParamBounds
	Timeouts     Timeouts
	Logger       *slog.Logger
}

func (d Deps) logger(kind Kind) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("engine", string(kind)))
}

// Timeouts bounds each kind of external invocation.
type Timeouts struct {
	Probe     time.Duration
	Transcode time.Duration
	Palette   time.Duration
}

// DefaultTimeouts returns the standard invocation budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Probe:     30 * time.Second,
		Transcode: ffmpeg.DefaultTranscodeTimeout,
		Palette:   ffmpeg.DefaultPaletteTimeout,
	}
}

// Factory builds an engine for a config.
type Factory func(cfg Config, deps Deps) (Engine, error)
