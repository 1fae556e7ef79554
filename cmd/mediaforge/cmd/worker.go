package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediaforge/internal/scheduler"
	"github.com/jmylchreest/mediaforge/internal/startup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run conversions from the durable queue",
	Long: `Run a queue worker that consumes jobs submitted by "mediaforge serve --no-inline".

The queue backend is selected by queue.backend (database, redis, pebble).
Several workers may share the database and redis backends; the pebble
backend is local to one machine.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("concurrency", 0, "Concurrent conversions (overrides queue.concurrency)")
	workerCmd.Flags().Bool("recover", false, "Fail and requeue jobs left running by a crashed worker; only safe when no other worker is running")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if cmd.Flags().Changed("concurrency") {
		cfg.Queue.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	recoverJobs, _ := cmd.Flags().GetBool("recover")

	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	queue, err := scheduler.NewQueue(ctx, cfg, a.repo, logger)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer queue.Close()
	a.service.WithEnqueuer(queue)

	if recoverJobs {
		recovered, err := startup.RecoverInterruptedJobs(ctx, logger, a.repo)
		if err != nil {
			return fmt.Errorf("recovering interrupted jobs: %w", err)
		}
		for _, job := range recovered {
			if err := queue.Enqueue(ctx, job.ID, job.NextAttemptAt); err != nil {
				logger.Warn("failed to enqueue recovered job",
					slog.String("job_id", job.ID.String()),
					slog.String("error", err.Error()))
			}
		}
	}

	worker := scheduler.NewQueueWorker(queue, a.pipeline).
		WithLogger(logger).
		WithRequeuer(a.service).
		WithConfig(scheduler.WorkerConfig{
			Concurrency:  cfg.Queue.Concurrency,
			PollInterval: cfg.Queue.PollInterval,
			RetryDelay:   cfg.Conversion.RetryDelay,
		})

	return worker.Run(ctx)
}
