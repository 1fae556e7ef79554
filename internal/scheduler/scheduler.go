// Package scheduler runs conversion jobs. The inline runner executes jobs in
// process for interactive submits; the queue worker consumes a durable queue.
// Both hand every job to the same pipeline and apply the same retry policy.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/service"
)

// DefaultRetryDelay is the pause before a retryable failure runs again.
const DefaultRetryDelay = time.Minute

// DefaultJobTimeout bounds one conversion attempt.
const DefaultJobTimeout = time.Hour

// ErrNotStarted is returned when work is handed to a stopped scheduler.
var ErrNotStarted = errors.New("scheduler is not running")

// Pipeline executes conversion jobs. *service.ConversionPipeline implements it.
type Pipeline interface {
	// Run claims a queued job and executes it.
	Run(ctx context.Context, id models.ULID) service.Outcome
	// Execute runs a job the caller already claimed.
	Execute(ctx context.Context, job *models.ConversionJob) service.Outcome
}

// Requeuer puts a failed job back on the queue after a delay.
// *service.ConversionService implements it.
type Requeuer interface {
	Requeue(ctx context.Context, id models.ULID, delay time.Duration) (*models.ConversionJob, error)
}

// DefaultWorkers returns the logical CPU count, or 2 when it is unknown.
func DefaultWorkers(ctx context.Context) int {
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		return n
	}
	return 2
}

// retryPolicy requeues retryable outcomes.
type retryPolicy struct {
	requeuer Requeuer
	delay    time.Duration
	logger   *slog.Logger
}

// apply reports whether out was requeued.
func (p retryPolicy) apply(ctx context.Context, out service.Outcome) bool {
	if !out.Retryable || p.requeuer == nil {
		return false
	}
	job, err := p.requeuer.Requeue(ctx, out.JobID, p.delay)
	if err != nil {
		p.logger.Error("failed to schedule retry",
			slog.String("job_id", out.JobID.String()),
			slog.String("error", err.Error()))
		return false
	}
	p.logger.Info("retry scheduled",
		slog.String("job_id", out.JobID.String()),
		slog.Int("attempt", job.Attempts+1),
		slog.Int("max_attempts", job.MaxRetries+1),
		slog.Duration("delay", p.delay),
		slog.String("previous_error", out.Error))
	return true
}

func logOutcome(logger *slog.Logger, out service.Outcome, elapsed time.Duration) {
	attrs := []any{
		slog.String("job_id", out.JobID.String()),
		slog.String("status", string(out.Status)),
		slog.Duration("elapsed", elapsed),
	}
	switch {
	case out.Skipped:
		logger.Debug("job skipped", append(attrs, slog.String("reason", out.Error))...)
	case out.Error != "":
		logger.Warn("job finished with error", append(attrs,
			slog.Bool("retryable", out.Retryable),
			slog.String("error", out.Error))...)
	default:
		logger.Debug("job finished", attrs...)
	}
}
