package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/mediaforge/internal/models"
)

func setupJobTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.ConversionJob{}))
	return db
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newQueuedJob(t *testing.T, repo *jobRepo, offset time.Duration) *models.ConversionJob {
	t.Helper()
	job := models.NewConversionJob(models.JSONMap{models.MetaKind: "video"})
	job.CreatedAt = baseTime.Add(offset)
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestJobRepo_CreateAndGet(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	job := newQueuedJob(t, repo, 0)
	require.False(t, job.ID.IsZero())

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, models.DefaultMaxRetries, got.MaxRetries)
	assert.Equal(t, "video", got.Metadata[models.MetaKind])

	_, err = repo.GetByID(ctx, models.NewULID())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepo_UpdateRoundTrip(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	job, err := repo.Start(ctx, newQueuedJob(t, repo, 0).ID)
	require.NoError(t, err)
	require.NoError(t, job.UpdateProgress(30, "transcoding"))
	require.NoError(t, job.Complete("/data/output/video/clip_0a1b2c3d.gif", 4096))
	require.NoError(t, repo.Update(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "transcoding", got.Metadata[models.MetaLastMessage])
	assert.Equal(t, int64(4096), got.Metadata.Int64(models.MetaOutputSize, 0))
	require.NotNil(t, got.CompletedAt)
}

func TestJobRepo_Start(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	ctx := context.Background()
	job := newQueuedJob(t, repo, 0)

	started, err := repo.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, started.Status)
	assert.Equal(t, 1, started.Attempts)
	require.NotNil(t, started.StartedAt)

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	_, err = repo.Start(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotQueued)

	_, err = repo.Start(ctx, models.NewULID())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepo_Start_OnlyOneWinner(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	job := newQueuedJob(t, repo, 0)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Start(context.Background(), job.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrJobNotQueued)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestJobRepo_Revoke(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	queued := newQueuedJob(t, repo, 0)
	revoked, err := repo.Revoke(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	_, err = repo.Start(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrJobNotQueued)

	running := newQueuedJob(t, repo, time.Second)
	_, err = repo.Start(ctx, running.ID)
	require.NoError(t, err)
	_, err = repo.Revoke(ctx, running.ID)
	assert.ErrorIs(t, err, ErrJobNotQueued)
}

func TestJobRepo_AcquireNext(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	origNow := models.Now
	models.Now = func() models.Time { return baseTime.Add(time.Hour) }
	t.Cleanup(func() { models.Now = origNow })

	second := newQueuedJob(t, repo, 2*time.Second)
	first := newQueuedJob(t, repo, time.Second)

	delayed := newQueuedJob(t, repo, 0)
	later := baseTime.Add(2 * time.Hour)
	delayed.NextAttemptAt = &later
	require.NoError(t, repo.Update(ctx, delayed))

	revoked := newQueuedJob(t, repo, -time.Second)
	_, err := repo.Revoke(ctx, revoked.ID)
	require.NoError(t, err)

	got, err := repo.AcquireNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	got, err = repo.AcquireNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	got, err = repo.AcquireNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Once the retry delay has passed the delayed job becomes eligible.
	models.Now = func() models.Time { return baseTime.Add(3 * time.Hour) }
	got, err = repo.AcquireNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, delayed.ID, got.ID)
	assert.Nil(t, got.NextAttemptAt)
}

func TestJobRepo_ListsAndCounts(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	origNow := models.Now
	t.Cleanup(func() { models.Now = origNow })

	finish := func(offset time.Duration, ok bool) *models.ConversionJob {
		models.Now = func() models.Time { return baseTime.Add(offset) }
		job, err := repo.Start(ctx, newQueuedJob(t, repo, offset).ID)
		require.NoError(t, err)
		if ok {
			require.NoError(t, job.Complete("/out.gif", 1))
		} else {
			require.NoError(t, job.Fail("boom"))
		}
		require.NoError(t, repo.Update(ctx, job))
		return job
	}

	oldDone := finish(-10*24*time.Hour, true)
	oldFailed := finish(-9*24*time.Hour, false)
	finish(-time.Hour, true)
	queued := newQueuedJob(t, repo, time.Minute)

	old, err := repo.ListFinishedBefore(ctx, baseTime.Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, oldDone.ID, old[0].ID)
	assert.Equal(t, oldFailed.ID, old[1].ID)

	pending, err := repo.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queued.ID, pending[0].ID)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.JobStatusDone])
	assert.Equal(t, int64(1), counts[models.JobStatusFailed])
	assert.Equal(t, int64(1), counts[models.JobStatusQueued])

	require.NoError(t, repo.Delete(ctx, oldDone.ID))
	_, err = repo.GetByID(ctx, oldDone.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

var _ ConversionJobRepository = (*jobRepo)(nil)

func TestJobRepo_ListRunning(t *testing.T) {
	repo := NewConversionJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	newQueuedJob(t, repo, 0)
	running, err := repo.Start(ctx, newQueuedJob(t, repo, time.Second).ID)
	require.NoError(t, err)

	jobs, err := repo.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, running.ID, jobs[0].ID)
}
