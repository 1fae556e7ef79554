package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediaforge/internal/scheduler"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one cleanup pass and exit",
	Long: `Remove stale temp and upload files and delete finished jobs older than
cleanup.job_retention. Artifacts of expired jobs are removed as well when
cleanup.remove_artifacts is set.

This runs the same pass that "mediaforge serve" schedules with cleanup.cron.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Bool("remove-artifacts", false, "Also remove artifacts of expired jobs (overrides cleanup.remove_artifacts)")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if cmd.Flags().Changed("remove-artifacts") {
		cfg.Cleanup.RemoveArtifacts, _ = cmd.Flags().GetBool("remove-artifacts")
	}
	logger := slog.Default()
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := scheduler.NewCleaner(a.repo, a.layout, cfg.Cleanup).
		WithLogger(logger).
		WithPublisher(a.publisher).
		RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
