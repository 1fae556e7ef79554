package cmd

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/mediaforge/internal/engine"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List conversion engines and their dependencies",
	Long: `Probe the host for ffmpeg and list every conversion engine with the
formats it reads and writes and whether it can run here.`,
	RunE: runEngines,
}

func init() {
	rootCmd.AddCommand(enginesCmd)
	enginesCmd.Flags().StringP("output", "o", "table", "Output format (table, yaml, json)")
}

// engineRow is one engine as printed by the engines command.
type engineRow struct {
	Kind         engine.Kind     `json:"kind" yaml:"kind"`
	Available    bool            `json:"available" yaml:"available"`
	Dependencies map[string]bool `json:"dependencies" yaml:"dependencies"`
	Input        []string        `json:"input_formats" yaml:"input_formats"`
	Output       []string        `json:"output_formats" yaml:"output_formats"`
}

func runEngines(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("output")

	dispatcher := newDispatcher(cmd.Context(), appConfig, slog.Default())
	rows := make([]engineRow, 0)
	for _, d := range dispatcher.Status() {
		rows = append(rows, engineRow{
			Kind:         d.Kind,
			Available:    d.Available,
			Dependencies: d.Dependencies,
			Input:        d.Formats.Input,
			Output:       d.Formats.Output,
		})
	}
	slices.SortFunc(rows, func(a, b engineRow) int { return cmp.Compare(a.Kind, b.Kind) })

	return writeEngines(cmd.OutOrStdout(), format, rows)
}

func writeEngines(w io.Writer, format string, rows []engineRow) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		for _, r := range rows {
			state := "available"
			if !r.Available {
				var missing []string
				for dep, ok := range r.Dependencies {
					if !ok {
						missing = append(missing, dep)
					}
				}
				slices.Sort(missing)
				state = "missing " + strings.Join(missing, ", ")
			}
			fmt.Fprintf(w, "%-9s %-24s %s -> %s\n", r.Kind, state,
				strings.Join(r.Input, ","), strings.Join(r.Output, ","))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q (table, yaml, json)", format)
	}
}
