package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/service"
)

// WorkerConfig holds configuration for the queue worker.
type WorkerConfig struct {
	// Concurrency is the number of deliveries processed at once.
	// Default: 2
	Concurrency int

	// PollInterval is the pause after an empty or failed dequeue.
	// Default: 2 seconds
	PollInterval time.Duration

	// RetryDelay is the pause before a retryable failure runs again.
	// Default: 1 minute
	RetryDelay time.Duration

	// JobTimeout is the maximum duration of a single attempt.
	// Default: 1 hour
	JobTimeout time.Duration
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  2,
		PollInterval: 2 * time.Second,
		RetryDelay:   DefaultRetryDelay,
		JobTimeout:   DefaultJobTimeout,
	}
}

// QueueWorker consumes a Queue and runs every delivery through the pipeline.
type QueueWorker struct {
	queue    Queue
	pipeline Pipeline
	retry    retryPolicy
	logger   *slog.Logger
	config   WorkerConfig
}

// NewQueueWorker creates a worker.
func NewQueueWorker(queue Queue, pipeline Pipeline) *QueueWorker {
	logger := slog.Default()
	config := DefaultWorkerConfig()
	return &QueueWorker{
		queue:    queue,
		pipeline: pipeline,
		retry:    retryPolicy{delay: config.RetryDelay, logger: logger},
		logger:   logger,
		config:   config,
	}
}

// WithLogger sets a custom logger.
func (w *QueueWorker) WithLogger(logger *slog.Logger) *QueueWorker {
	w.logger = observability.WithComponent(logger, "queue_worker")
	w.retry.logger = w.logger
	return w
}

// WithRequeuer enables retries of retryable failures.
func (w *QueueWorker) WithRequeuer(requeuer Requeuer) *QueueWorker {
	w.retry.requeuer = requeuer
	return w
}

// WithConfig applies configuration to the worker.
func (w *QueueWorker) WithConfig(config WorkerConfig) *QueueWorker {
	if config.Concurrency > 0 {
		w.config.Concurrency = config.Concurrency
	}
	if config.PollInterval > 0 {
		w.config.PollInterval = config.PollInterval
	}
	if config.RetryDelay > 0 {
		w.config.RetryDelay = config.RetryDelay
		w.retry.delay = config.RetryDelay
	}
	if config.JobTimeout > 0 {
		w.config.JobTimeout = config.JobTimeout
	}
	return w
}

// Run processes deliveries until ctx is cancelled and in-flight jobs return.
func (w *QueueWorker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started",
		slog.String("backend", w.queue.Name()),
		slog.Int("concurrency", w.config.Concurrency),
		slog.Duration("poll_interval", w.config.PollInterval))

	var wg sync.WaitGroup
	for i := range w.config.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, i)
		}()
	}
	wg.Wait()

	w.logger.Info("queue worker stopped")
	return nil
}

func (w *QueueWorker) loop(ctx context.Context, n int) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("error processing delivery",
				slog.Int("worker", n),
				slog.String("error", err.Error()))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessNext handles at most one delivery and reports whether one was found.
func (w *QueueWorker) ProcessNext(ctx context.Context) (bool, error) {
	d, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	start := time.Now()
	var out service.Outcome
	if d.Job != nil {
		out = w.pipeline.Execute(jobCtx, d.Job)
	} else {
		out = w.pipeline.Run(jobCtx, d.JobID)
	}
	cancel()
	logOutcome(w.logger, out, time.Since(start))

	// Requeue before ack: a crash in between leaves a duplicate, never a gap.
	w.retry.apply(ctx, out)
	if err := w.queue.Ack(ctx, d); err != nil {
		return true, err
	}
	return true, nil
}
