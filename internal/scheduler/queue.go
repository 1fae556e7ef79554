package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/mediaforge/internal/config"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/repository"
)

// Queue backend names.
const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
	BackendPebble   = "pebble"
)

// Queue is a durable hand-off of job ids between the API and workers.
// Every implementation also satisfies service.Enqueuer.
type Queue interface {
	// Name returns the backend name.
	Name() string
	// Enqueue publishes id, to be delivered no earlier than notBefore.
	Enqueue(ctx context.Context, id models.ULID, notBefore *time.Time) error
	// Dequeue returns the next ready delivery, or nil when none is ready.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a processed delivery from the queue.
	Ack(ctx context.Context, d *Delivery) error
	// Close releases the backend.
	Close() error
}

// Delivery is one dequeued job.
type Delivery struct {
	JobID models.ULID
	// Job is set by backends that claim the job while dequeuing.
	Job *models.ConversionJob
	// receipt identifies the message to the backend on Ack.
	receipt string
}

// message is the payload stored by the redis and pebble backends.
type message struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before,omitzero"`
}

func encodeMessage(id models.ULID, notBefore *time.Time) ([]byte, error) {
	m := message{JobID: id.String(), EnqueuedAt: time.Now().UTC()}
	if notBefore != nil {
		m.NotBefore = notBefore.UTC()
	}
	return json.Marshal(m)
}

func decodeMessage(data []byte) (message, models.ULID, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, models.ULID{}, fmt.Errorf("decoding queue message: %w", err)
	}
	id, err := models.ParseULID(m.JobID)
	if err != nil {
		return m, models.ULID{}, fmt.Errorf("decoding queue message: %w", err)
	}
	return m, id, nil
}

// NewQueue opens the backend selected by cfg.Queue.Backend.
func NewQueue(ctx context.Context, cfg *config.Config, repo repository.ConversionJobRepository, logger *slog.Logger) (Queue, error) {
	switch cfg.Queue.Backend {
	case BackendDatabase, "":
		return NewDatabaseQueue(repo), nil
	case BackendRedis:
		return NewRedisQueue(ctx, cfg.Queue.Redis, cfg.Queue.PollInterval, logger)
	case BackendPebble:
		return OpenPebbleQueue(cfg.PebblePath())
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// DatabaseQueue uses the job table itself as the queue. Enqueue is a no-op
// because a queued row is already visible to AcquireNext, which honours
// next_attempt_at.
type DatabaseQueue struct {
	repo repository.ConversionJobRepository
}

// NewDatabaseQueue creates a queue over the job repository.
func NewDatabaseQueue(repo repository.ConversionJobRepository) *DatabaseQueue {
	return &DatabaseQueue{repo: repo}
}

// Name returns the backend name.
func (q *DatabaseQueue) Name() string { return BackendDatabase }

// Enqueue is a no-op.
func (q *DatabaseQueue) Enqueue(context.Context, models.ULID, *time.Time) error { return nil }

// Dequeue claims the oldest eligible job.
func (q *DatabaseQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	job, err := q.repo.AcquireNext(ctx)
	if err != nil || job == nil {
		return nil, err
	}
	return &Delivery{JobID: job.ID, Job: job}, nil
}

// Ack is a no-op; the job row carries the terminal state.
func (q *DatabaseQueue) Ack(context.Context, *Delivery) error { return nil }

// Close is a no-op.
func (q *DatabaseQueue) Close() error { return nil }
