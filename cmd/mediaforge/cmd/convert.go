package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/models"
)

var convertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Convert a local file without the server",
	Long: `Convert a single local file in the foreground.

Conversion parameters are the same as the API accepts, given as flags or
as repeated --set key=value pairs for engine options:

  mediaforge convert clip.mp4 --fps 12 --width 480 --start 2 --end 6
  mediaforge convert photo.png --format webp --set quality=80
  mediaforge convert song.flac -o song.mp3 --set bitrate=192k`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	f := convertCmd.Flags()
	f.StringP("output", "o", "", "Output file (default: input name with the target extension)")
	f.String("format", "", "Target format (default: the engine's default, gif for video)")
	f.Int("width", 0, "Output width in pixels")
	f.Int("fps", 0, "Frames per second")
	f.Float64("start", 0, "Start time in seconds")
	f.Float64("end", 0, "End time in seconds")
	f.Float64("speed", 0, "Playback speed multiplier")
	f.Bool("grayscale", false, "Convert to grayscale")
	f.Bool("reverse", false, "Play backwards")
	f.Bool("boomerang", false, "Play forwards then backwards")
	f.Bool("high-quality", false, "Two-pass palette generation")
	f.StringToString("set", nil, "Engine option as key=value (repeatable)")
}

// convertFlagKeys maps CLI flags onto parameter keys.
var convertFlagKeys = map[string]string{
	"width":        "width",
	"fps":          "fps",
	"start":        "start_time",
	"end":          "end_time",
	"speed":        "speed",
	"grayscale":    "grayscale",
	"reverse":      "reverse",
	"boomerang":    "boomerang",
	"high-quality": "high_quality",
	"format":       "output_format",
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	logger := slog.Default()
	input := args[0]

	info, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", input)
	}

	values, err := convertValues(cmd)
	if err != nil {
		return err
	}
	params, err := models.ParseConversionParams(values)
	if err != nil {
		return err
	}

	kind := engine.DetectKind(input)
	if kind == engine.KindUnknown {
		return fmt.Errorf("unsupported file type %q", engine.Extension(input))
	}
	format := values["output_format"]
	if format == "" {
		format = engine.DefaultOutputFormat(kind)
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + "." + format
	}
	if abs, _ := filepath.Abs(output); abs == mustAbs(input) {
		return errors.New("output would overwrite the input")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Storage.TempPath(), 0o750); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	dispatcher := newDispatcher(ctx, cfg, logger)

	res := dispatcher.Convert(ctx, engine.Request{
		InputPath:    input,
		OutputPath:   output,
		Kind:         kind,
		OutputFormat: format,
		Params:       params,
		Options:      values,
		Config:       engine.Config(engineConfig(cfg)[string(kind)]),
		Progress: func(percent int, message string) {
			logger.Info("progress", slog.Int("percent", percent), slog.String("message", message))
		},
	})
	if !res.Success {
		_ = os.Remove(output)
		return fmt.Errorf("conversion failed (%s): %s", res.ErrorClass, res.ErrorMessage)
	}

	size := int64(0)
	if st, err := os.Stat(res.OutputPath); err == nil {
		size = st.Size()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", res.OutputPath, humanize.IBytes(uint64(size)))
	return nil
}

// convertValues collects the explicitly set flags and --set pairs as the
// flat key/value form the API accepts.
func convertValues(cmd *cobra.Command) (map[string]string, error) {
	values := map[string]string{}
	sets, err := cmd.Flags().GetStringToString("set")
	if err != nil {
		return nil, err
	}
	maps.Copy(values, sets)

	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, ok := convertFlagKeys[f.Name]; ok {
			values[key] = f.Value.String()
		}
	})
	return values, nil
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
