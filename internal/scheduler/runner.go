package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/observability"
)

// InlineRunner executes jobs in process on a bounded worker pool fed by a
// channel. It implements service.Enqueuer.
type InlineRunner struct {
	mu sync.Mutex

	pipeline Pipeline
	retry    retryPolicy
	logger   *slog.Logger

	// Configuration
	workerCount int
	jobTimeout  time.Duration
	queueSize   int

	// Running state
	jobs   chan models.ULID
	timers map[models.ULID]*time.Timer
	active atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunnerConfig holds configuration for the inline runner.
type RunnerConfig struct {
	// WorkerCount is the number of concurrent conversions.
	// Default: logical CPU count
	WorkerCount int

	// RetryDelay is the pause before a retryable failure runs again.
	// Default: 1 minute
	RetryDelay time.Duration

	// JobTimeout is the maximum duration of a single attempt.
	// Default: 1 hour
	JobTimeout time.Duration

	// QueueSize is the number of ids buffered ahead of the workers.
	// Default: 256
	QueueSize int
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount: DefaultWorkers(context.Background()),
		RetryDelay:  DefaultRetryDelay,
		JobTimeout:  DefaultJobTimeout,
		QueueSize:   256,
	}
}

// NewInlineRunner creates a runner for pipeline.
func NewInlineRunner(pipeline Pipeline) *InlineRunner {
	config := DefaultRunnerConfig()
	logger := slog.Default()
	return &InlineRunner{
		pipeline:    pipeline,
		retry:       retryPolicy{delay: config.RetryDelay, logger: logger},
		logger:      logger,
		workerCount: config.WorkerCount,
		jobTimeout:  config.JobTimeout,
		queueSize:   config.QueueSize,
		timers:      make(map[models.ULID]*time.Timer),
	}
}

// WithLogger sets a custom logger.
func (r *InlineRunner) WithLogger(logger *slog.Logger) *InlineRunner {
	r.logger = observability.WithComponent(logger, "inline_runner")
	r.retry.logger = r.logger
	return r
}

// WithRequeuer enables retries of retryable failures.
func (r *InlineRunner) WithRequeuer(requeuer Requeuer) *InlineRunner {
	r.retry.requeuer = requeuer
	return r
}

// WithConfig applies configuration to the runner.
func (r *InlineRunner) WithConfig(config RunnerConfig) *InlineRunner {
	if config.WorkerCount > 0 {
		r.workerCount = config.WorkerCount
	}
	if config.RetryDelay > 0 {
		r.retry.delay = config.RetryDelay
	}
	if config.JobTimeout > 0 {
		r.jobTimeout = config.JobTimeout
	}
	if config.QueueSize > 0 {
		r.queueSize = config.QueueSize
	}
	return r
}

// Start launches the workers.
func (r *InlineRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return fmt.Errorf("runner already started")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.jobs = make(chan models.ULID, r.queueSize)

	for i := range r.workerCount {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.logger.Info("runner started",
		slog.Int("workers", r.workerCount),
		slog.Int("queue_size", r.queueSize),
		slog.Duration("retry_delay", r.retry.delay))

	return nil
}

// Stop cancels pending retries and waits for running conversions to return.
func (r *InlineRunner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("runner stopped")
}

// Enqueue hands id to the pool. A notBefore in the future delays the
// hand-off. It blocks while the buffer is full until ctx is done.
func (r *InlineRunner) Enqueue(ctx context.Context, id models.ULID, notBefore *time.Time) error {
	r.mu.Lock()
	runCtx := r.ctx
	if runCtx == nil {
		r.mu.Unlock()
		return ErrNotStarted
	}
	if notBefore != nil {
		if delay := time.Until(*notBefore); delay > 0 {
			if old, ok := r.timers[id]; ok {
				old.Stop()
			}
			r.timers[id] = time.AfterFunc(delay, func() {
				r.mu.Lock()
				delete(r.timers, id)
				r.mu.Unlock()
				if err := r.submit(runCtx, id); err != nil {
					r.logger.Warn("dropped delayed job",
						slog.String("job_id", id.String()),
						slog.String("error", err.Error()))
				}
			})
			r.mu.Unlock()
			return nil
		}
	}
	r.mu.Unlock()
	return r.submit(ctx, id)
}

func (r *InlineRunner) submit(ctx context.Context, id models.ULID) error {
	r.mu.Lock()
	runCtx, jobs := r.ctx, r.jobs
	r.mu.Unlock()
	if runCtx == nil {
		return ErrNotStarted
	}
	select {
	case jobs <- id:
		return nil
	case <-runCtx.Done():
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *InlineRunner) worker(n int) {
	defer r.wg.Done()

	r.logger.Debug("worker started", slog.Int("worker", n))

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("worker stopping", slog.Int("worker", n))
			return
		case id := <-r.jobs:
			r.process(id)
		}
	}
}

func (r *InlineRunner) process(id models.ULID) {
	r.active.Add(1)
	defer r.active.Add(-1)

	jobCtx, cancel := context.WithTimeout(r.ctx, r.jobTimeout)
	defer cancel()

	start := time.Now()
	out := r.pipeline.Run(jobCtx, id)
	logOutcome(r.logger, out, time.Since(start))
	r.retry.apply(r.ctx, out)
}

// Status returns the current runner status.
func (r *InlineRunner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := RunnerStatus{
		Running:     r.ctx != nil && r.ctx.Err() == nil,
		WorkerCount: r.workerCount,
		Active:      int(r.active.Load()),
		Delayed:     len(r.timers),
	}
	if r.jobs != nil {
		status.Pending = len(r.jobs)
	}
	return status
}

// RunnerStatus represents the current state of the runner.
type RunnerStatus struct {
	Running     bool `json:"running"`
	WorkerCount int  `json:"worker_count"`
	Active      int  `json:"active"`
	Pending     int  `json:"pending"`
	Delayed     int  `json:"delayed"`
}
