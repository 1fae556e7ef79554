package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/mediaforge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing mediaforge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults merged with the
config file and environment. Secrets are masked.

You can redirect this output to a file to create a configuration template:

  mediaforge config dump > config.yaml

Environment variables use the MEDIAFORGE_ prefix and underscores for nesting.
Example: server.port -> MEDIAFORGE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// maskedValue replaces fields tagged masq:"secret".
const maskedValue = "********"

// toMap converts a config struct to a map keyed by mapstructure tags,
// formatting durations and sizes for humans and masking secrets.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Pointer {
		val = val.Elem()
	}
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		if fieldType.Tag.Get("masq") == "secret" {
			if !field.IsZero() {
				result[key] = maskedValue
			} else {
				result[key] = ""
			}
			continue
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		case config.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	yamlData, err := yaml.Marshal(toMap(appConfig))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# mediaforge configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h (day/week values such as 7d are accepted")
	fmt.Fprintln(out, "# for cleanup.temp_max_age and cleanup.job_retention)")
	fmt.Fprintln(out, "# Size format: 512MB, 1GiB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   MEDIAFORGE_SERVER_HOST, MEDIAFORGE_SERVER_PORT")
	fmt.Fprintln(out, "#   MEDIAFORGE_DATABASE_DRIVER, MEDIAFORGE_DATABASE_DSN")
	fmt.Fprintln(out, "#   MEDIAFORGE_QUEUE_BACKEND, MEDIAFORGE_PUBLISH_BACKEND")
	fmt.Fprintln(out, "#   MEDIAFORGE_LOGGING_LEVEL, MEDIAFORGE_LOGGING_FORMAT")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))
	return nil
}
