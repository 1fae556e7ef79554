package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/service"
)

func TestQueueWorker_ProcessNext(t *testing.T) {
	q := openTestPebble(t, filepath.Join(t.TempDir(), "queue"))
	defer q.Close()
	ctx := context.Background()

	pipeline := newFakePipeline()
	worker := NewQueueWorker(q, pipeline).WithLogger(observability.Discard())

	found, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	id := models.NewULID()
	require.NoError(t, q.Enqueue(ctx, id, nil))

	found, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []models.ULID{id}, pipeline.runs)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueWorker_RetriesThroughQueue(t *testing.T) {
	q := openTestPebble(t, filepath.Join(t.TempDir(), "queue"))
	defer q.Close()
	ctx := context.Background()

	pipeline := newFakePipeline(
		service.Outcome{Status: models.JobStatusFailed, Retryable: true, Error: "timeout"},
	)
	requeuer := &fakeRequeuer{}
	requeuer.enqueue = func(id models.ULID, _ time.Duration) {
		require.NoError(t, q.Enqueue(ctx, id, nil))
	}
	worker := NewQueueWorker(q, pipeline).
		WithLogger(observability.Discard()).
		WithRequeuer(requeuer).
		WithConfig(WorkerConfig{RetryDelay: 30 * time.Second})

	id := models.NewULID()
	require.NoError(t, q.Enqueue(ctx, id, nil))

	_, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)

	assert.Equal(t, []models.ULID{id, id}, pipeline.runs)
	assert.Equal(t, []time.Duration{30 * time.Second}, requeuer.delays)
}

func TestQueueWorker_ExecutesClaimedJobs(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	job := models.NewConversionJob(nil)
	require.NoError(t, repo.Create(ctx, job))

	pipeline := newFakePipeline()
	worker := NewQueueWorker(NewDatabaseQueue(repo), pipeline).WithLogger(observability.Discard())

	found, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []models.ULID{job.ID}, pipeline.executed)
	assert.Empty(t, pipeline.runs)
}

func TestQueueWorker_RunStopsOnCancel(t *testing.T) {
	q := openTestPebble(t, filepath.Join(t.TempDir(), "queue"))
	defer q.Close()

	pipeline := newFakePipeline()
	worker := NewQueueWorker(q, pipeline).
		WithLogger(observability.Discard()).
		WithConfig(WorkerConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	id := models.NewULID()
	require.NoError(t, q.Enqueue(context.Background(), id, nil))
	assert.Equal(t, id, waitFor(t, pipeline.done))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
