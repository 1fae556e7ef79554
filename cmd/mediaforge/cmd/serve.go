package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	internalhttp "github.com/jmylchreest/mediaforge/internal/http"
	"github.com/jmylchreest/mediaforge/internal/http/handlers"
	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/scheduler"
	"github.com/jmylchreest/mediaforge/internal/startup"
	"github.com/jmylchreest/mediaforge/internal/version"
)

// resumeBatch bounds how many queued jobs are handed to the inline runner
// on startup.
const resumeBatch = 1000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mediaforge server",
	Long: `Start the mediaforge HTTP server and API.

The server provides:
- REST API for submitting, inspecting, requeueing and revoking conversions
- Signed artifact downloads and batch zip downloads
- Server-sent progress events
- Health check endpoint
- OpenAPI documentation at /docs

By default conversions run in process. With --no-inline jobs are handed to
the configured queue backend for "mediaforge worker" processes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().Int("workers", 0, "Inline conversion workers (overrides conversion.workers)")
	serveCmd.Flags().Bool("no-inline", false, "Do not run conversions in process; enqueue them for workers")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("workers") {
		cfg.Conversion.Workers, _ = flags.GetInt("workers")
	}
	noInline, _ := flags.GetBool("no-inline")

	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if removed, err := startup.CleanupOrphanedTempDirs(logger, cfg.Storage.TempPath(), cfg.Cleanup.TempMaxAge.Duration()); err != nil {
		logger.Warn("failed to clean orphaned temp directories",
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		logger.Info("cleaned orphaned temp directories on startup",
			slog.Int("removed_count", removed),
		)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	healthHandler := handlers.NewHealthHandler(version.Version).WithDB(a.db.DB)

	if noInline {
		queue, err := scheduler.NewQueue(ctx, cfg, a.repo, logger)
		if err != nil {
			return fmt.Errorf("opening queue: %w", err)
		}
		defer queue.Close()
		a.service.WithEnqueuer(queue)
		logger.Info("inline conversions disabled", slog.String("queue", queue.Name()))
	} else {
		runner := scheduler.NewInlineRunner(a.pipeline).
			WithLogger(logger).
			WithRequeuer(a.service).
			WithConfig(scheduler.RunnerConfig{
				WorkerCount: cfg.Conversion.Workers,
				RetryDelay:  cfg.Conversion.RetryDelay,
			})
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("starting runner: %w", err)
		}
		defer runner.Stop()
		a.service.WithEnqueuer(runner)
		healthHandler.WithRunner(runner)

		if err := resumeJobs(ctx, a, runner, logger); err != nil {
			return err
		}
	}

	cleaner := scheduler.NewCleaner(a.repo, a.layout, cfg.Cleanup).
		WithLogger(logger).
		WithPublisher(a.publisher)
	if err := cleaner.Start(ctx); err != nil {
		return fmt.Errorf("starting cleanup: %w", err)
	}
	defer cleaner.Stop()

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server), logger, version.Version)

	healthHandler.Register(server.API())

	handlers.NewConversionHandler(a.service).
		WithMaxUpload(cfg.Server.MaxUploadSize.Bytes()).
		WithLogger(logger).
		Register(server.API())

	handlers.NewEngineHandler(a.service, a.layout.Output().BaseDir()).Register(server.API())

	handlers.NewArtifactHandler(a.signer, a.layout.Output()).
		WithLogger(logger).
		RegisterRoutes(server.Router())

	handlers.NewEventsHandler(a.hub).
		WithLogger(logger).
		RegisterSSE(server.Router())

	logger.Info("starting mediaforge server",
		slog.String("address", server.Addr()),
		slog.String("publish", a.publisher.Name()),
		slog.Bool("inline", !noInline),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// resumeJobs recovers jobs a previous process left running and hands every
// queued job to the inline runner.
func resumeJobs(ctx context.Context, a *app, runner *scheduler.InlineRunner, logger *slog.Logger) error {
	recovered, err := startup.RecoverInterruptedJobs(ctx, observability.WithComponent(logger, "startup"), a.repo)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if len(recovered) > 0 {
		logger.Info("requeued interrupted jobs", slog.Int("count", len(recovered)))
	}

	queued, err := a.repo.ListQueued(ctx, resumeBatch)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}
	for _, job := range queued {
		if err := runner.Enqueue(ctx, job.ID, job.NextAttemptAt); err != nil {
			logger.Warn("failed to resume queued job",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	if len(queued) > 0 {
		logger.Info("resumed queued jobs", slog.Int("count", len(queued)))
	}
	return nil
}
