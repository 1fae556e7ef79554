package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/mediaforge/internal/models"
)

// JobStore is the slice of the job repository the reporter needs.
type JobStore interface {
	Update(ctx context.Context, job *models.ConversionJob) error
}

// Reporter receives conversion checkpoints.
type Reporter interface {
	// Checkpoint records percent (clamped to 0..100, never decreasing) with
	// a message stored as the job's last_message.
	Checkpoint(ctx context.Context, percent int, message string) error
}

// JobReporter persists checkpoints on a running job and publishes them.
type JobReporter struct {
	store  JobStore
	hub    *Hub
	logger *slog.Logger

	mu  sync.Mutex
	job *models.ConversionJob
}

// NewJobReporter wraps a running job. hub may be nil.
func NewJobReporter(store JobStore, hub *Hub, job *models.ConversionJob, logger *slog.Logger) *JobReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobReporter{store: store, hub: hub, job: job, logger: logger}
}

// Checkpoint updates the job and saves it. A checkpoint that arrives after
// the job left the running state is ignored.
func (r *JobReporter) Checkpoint(ctx context.Context, percent int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.job.Status != models.JobStatusRunning {
		return nil
	}
	before := r.job.Progress
	if err := r.job.UpdateProgress(percent, message); err != nil {
		return err
	}
	if err := r.store.Update(ctx, r.job); err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}

	r.logger.Debug("conversion progress",
		slog.String("job_id", r.job.ID.String()),
		slog.Int("progress", r.job.Progress),
		slog.String("message", message),
	)
	if r.job.Progress != before || message != "" {
		r.publish(message)
	}
	return nil
}

// Func adapts the reporter to the engine callback shape. Persistence
// failures are logged; a lost checkpoint never fails a conversion.
func (r *JobReporter) Func(ctx context.Context) func(percent int, message string) {
	return func(percent int, message string) {
		if err := r.Checkpoint(ctx, percent, message); err != nil {
			r.logger.Warn("failed to record progress",
				slog.String("job_id", r.job.ID.String()),
				slog.Int("progress", percent),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Finish publishes the job's terminal state.
func (r *JobReporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(r.job.Metadata.String(models.MetaLastMessage, ""))
}

func (r *JobReporter) publish(message string) {
	if r.hub != nil {
		r.hub.Publish(EventFromJob(r.job, message))
	}
}

var _ Reporter = (*JobReporter)(nil)
