package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/mediaforge/internal/config"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/startup"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

// cleanupBatchSize bounds the finished jobs expired per pass.
const cleanupBatchSize = 500

// CleanupReport summarises one cleanup pass.
type CleanupReport struct {
	TempEntries      int `json:"temp_entries" yaml:"temp_entries"`
	JobsDeleted      int `json:"jobs_deleted" yaml:"jobs_deleted"`
	InputsRemoved    int `json:"inputs_removed" yaml:"inputs_removed"`
	ArtifactsRemoved int `json:"artifacts_removed" yaml:"artifacts_removed"`
}

// Cleaner expires scratch files and old finished jobs on a cron schedule.
type Cleaner struct {
	repo      repository.ConversionJobRepository
	layout    *storage.Layout
	publisher storage.Publisher
	config    config.CleanupConfig
	logger    *slog.Logger

	// cron parser for validating the schedule; seconds field included
	parser cron.Parser
	cron   *cron.Cron
}

// NewCleaner creates a cleaner.
func NewCleaner(repo repository.ConversionJobRepository, layout *storage.Layout, cfg config.CleanupConfig) *Cleaner {
	return &Cleaner{
		repo:   repo,
		layout: layout,
		config: cfg,
		logger: slog.Default(),
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// WithLogger sets a custom logger.
func (c *Cleaner) WithLogger(logger *slog.Logger) *Cleaner {
	c.logger = observability.WithComponent(logger, "cleanup")
	return c
}

// WithPublisher removes published copies of expired artifacts as well.
func (c *Cleaner) WithPublisher(publisher storage.Publisher) *Cleaner {
	c.publisher = publisher
	return c
}

// ValidateCron validates a cron expression.
func (c *Cleaner) ValidateCron(expr string) error {
	_, err := c.parser.Parse(expr)
	return err
}

// NextRun returns the next time the schedule fires after now.
func (c *Cleaner) NextRun(now time.Time) (time.Time, error) {
	schedule, err := c.parser.Parse(c.config.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(now), nil
}

// Start schedules RunOnce. It is a no-op when cleanup is disabled.
func (c *Cleaner) Start(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Info("scheduled cleanup disabled")
		return nil
	}
	if c.cron != nil {
		return fmt.Errorf("cleaner already started")
	}
	if err := c.ValidateCron(c.config.Cron); err != nil {
		return fmt.Errorf("invalid cleanup cron %q: %w", c.config.Cron, err)
	}

	clog := cronLogger{logger: c.logger}
	c.cron = cron.New(
		cron.WithParser(c.parser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.cron.AddFunc(c.config.Cron, func() {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error("cleanup failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling cleanup: %w", err)
	}
	c.cron.Start()

	next, _ := c.NextRun(time.Now())
	c.logger.Info("scheduled cleanup started",
		slog.String("cron", c.config.Cron),
		slog.Time("next_run", next))
	return nil
}

// Stop waits for a running pass to finish.
func (c *Cleaner) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cron = nil
}

// RunOnce performs one cleanup pass.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	if age := c.config.TempMaxAge.Duration(); age > 0 {
		n, err := startup.CleanupOrphanedTempDirs(c.logger, c.layout.Temp().BaseDir(), age)
		if err != nil {
			return report, fmt.Errorf("cleaning temp dir: %w", err)
		}
		report.TempEntries = n
	}

	retention := c.config.JobRetention.Duration()
	if retention <= 0 {
		return report, nil
	}
	cutoff := models.Now().Add(-retention)
	for {
		jobs, err := c.repo.ListFinishedBefore(ctx, cutoff, cleanupBatchSize)
		if err != nil {
			return report, err
		}
		for _, job := range jobs {
			c.expire(ctx, job, &report)
			if err := c.repo.Delete(ctx, job.ID); err != nil {
				return report, err
			}
			report.JobsDeleted++
		}
		if len(jobs) < cleanupBatchSize {
			break
		}
	}

	c.logger.Info("cleanup complete",
		slog.Int("temp_entries", report.TempEntries),
		slog.Int("jobs_deleted", report.JobsDeleted),
		slog.Int("inputs_removed", report.InputsRemoved),
		slog.Int("artifacts_removed", report.ArtifactsRemoved))
	return report, nil
}

// expire removes the files of job. Failures are logged and skipped.
func (c *Cleaner) expire(ctx context.Context, job *models.ConversionJob, report *CleanupReport) {
	logger := observability.WithJobID(c.logger, job.ID.String())

	if input := job.Metadata.String(models.MetaInputPath, ""); input != "" && c.layout.Uploads().Contains(input) {
		switch err := os.Remove(input); {
		case err == nil:
			report.InputsRemoved++
		case !errors.Is(err, os.ErrNotExist):
			logger.Warn("failed to remove input", slog.String("error", err.Error()))
		}
	}

	if !c.config.RemoveArtifacts {
		return
	}
	output := job.Metadata.String(models.MetaOutputPath, "")
	if output == "" {
		return
	}
	rel, err := c.layout.Output().Rel(output)
	if err != nil {
		logger.Warn("artifact outside output dir", slog.String("path", output))
		return
	}
	if c.publisher != nil && c.publisher.Name() != storage.PublisherLocal {
		if err := c.publisher.Remove(ctx, rel); err != nil {
			logger.Warn("failed to remove published artifact", slog.String("error", err.Error()))
		}
	}
	switch err := c.layout.Output().Remove(rel); {
	case err == nil:
		report.ArtifactsRemoved++
	case !errors.Is(err, os.ErrNotExist):
		logger.Warn("failed to remove artifact", slog.String("error", err.Error()))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
