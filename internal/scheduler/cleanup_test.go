package scheduler

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediaforge/internal/config"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

type recordingPublisher struct {
	name    string
	removed []string
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(context.Context, string, string) (string, error) {
	return "", nil
}

func (p *recordingPublisher) Remove(_ context.Context, rel string) error {
	p.removed = append(p.removed, rel)
	return nil
}

func newCleanupLayout(t *testing.T) *storage.Layout {
	t.Helper()
	l, err := storage.NewLayout(config.StorageConfig{
		BaseDir:   t.TempDir(),
		OutputDir: "output",
		UploadDir: "uploads",
		TempDir:   "temp",
	})
	require.NoError(t, err)
	return l
}

// finishedJob creates a done job with an input and an artifact on disk,
// completed at the given time.
func finishedJob(t *testing.T, repo repository.ConversionJobRepository, layout *storage.Layout, completed time.Time) *models.ConversionJob {
	t.Helper()
	ctx := context.Background()

	input, _, err := layout.StoreInput(strings.NewReader("input"), "clip.mp4", "mp4", 0)
	require.NoError(t, err)
	_, output, err := layout.ArtifactPath("video", "clip.mp4", "gif")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(output, []byte("GIF89a"), 0o644))

	job := models.NewConversionJob(models.JSONMap{models.MetaInputPath: input})
	require.NoError(t, repo.Create(ctx, job))
	job, err = repo.Start(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, job.Complete(output, 6))
	job.CompletedAt = &completed
	require.NoError(t, repo.Update(ctx, job))
	return job
}

func TestCleaner_RunOnce(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name            string
		removeArtifacts bool
		publisher       *recordingPublisher
	}{
		{name: "keeps artifacts"},
		{name: "removes artifacts", removeArtifacts: true},
		{name: "removes published copies", removeArtifacts: true, publisher: &recordingPublisher{name: storage.PublisherS3}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := setupTestRepo(t)
			layout := newCleanupLayout(t)

			old := finishedJob(t, repo, layout, time.Now().Add(-10*24*time.Hour))
			recent := finishedJob(t, repo, layout, time.Now().Add(-time.Hour))

			staleDir, err := layout.JobTempDir("01STALE")
			require.NoError(t, err)
			past := time.Now().Add(-3 * time.Hour)
			require.NoError(t, os.Chtimes(staleDir, past, past))

			cleaner := NewCleaner(repo, layout, config.CleanupConfig{
				TempMaxAge:      config.Duration(time.Hour),
				JobRetention:    config.Duration(7 * 24 * time.Hour),
				RemoveArtifacts: tc.removeArtifacts,
			}).WithLogger(observability.Discard())
			if tc.publisher != nil {
				cleaner.WithPublisher(tc.publisher)
			}

			report, err := cleaner.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.TempEntries)
			assert.Equal(t, 1, report.JobsDeleted)
			assert.Equal(t, 1, report.InputsRemoved)

			_, err = repo.GetByID(ctx, old.ID)
			assert.ErrorIs(t, err, repository.ErrJobNotFound)
			_, err = repo.GetByID(ctx, recent.ID)
			assert.NoError(t, err)

			_, err = os.Stat(old.Metadata.String(models.MetaInputPath, ""))
			assert.True(t, os.IsNotExist(err))
			assert.FileExists(t, recent.Metadata.String(models.MetaInputPath, ""))
			assert.NoDirExists(t, staleDir)

			oldOutput := old.Metadata.String(models.MetaOutputPath, "")
			if tc.removeArtifacts {
				assert.Equal(t, 1, report.ArtifactsRemoved)
				assert.NoFileExists(t, oldOutput)
			} else {
				assert.Zero(t, report.ArtifactsRemoved)
				assert.FileExists(t, oldOutput)
			}
			assert.FileExists(t, recent.Metadata.String(models.MetaOutputPath, ""))

			if tc.publisher != nil {
				rel, err := layout.Output().Rel(oldOutput)
				require.NoError(t, err)
				assert.Equal(t, []string{rel}, tc.publisher.removed)
			}
		})
	}
}

func TestCleaner_Schedule(t *testing.T) {
	cleaner := NewCleaner(nil, nil, config.CleanupConfig{Enabled: true, Cron: "0 30 3 * * *"}).
		WithLogger(observability.Discard())

	assert.NoError(t, cleaner.ValidateCron("0 */5 * * * *"))
	assert.NoError(t, cleaner.ValidateCron("@hourly"))
	assert.Error(t, cleaner.ValidateCron("every day"))

	next, err := cleaner.NextRun(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 2, 3, 30, 0, 0, time.UTC), next)

	require.NoError(t, cleaner.Start(context.Background()))
	assert.Error(t, cleaner.Start(context.Background()))
	cleaner.Stop()
	cleaner.Stop()
}

func TestCleaner_StartDisabledOrInvalid(t *testing.T) {
	disabled := NewCleaner(nil, nil, config.CleanupConfig{Enabled: false, Cron: "garbage"}).
		WithLogger(observability.Discard())
	assert.NoError(t, disabled.Start(context.Background()))
	disabled.Stop()

	invalid := NewCleaner(nil, nil, config.CleanupConfig{Enabled: true, Cron: "garbage"}).
		WithLogger(observability.Discard())
	assert.Error(t, invalid.Start(context.Background()))
}

func TestCleanupOrphansUnderTempDir(t *testing.T) {
	layout := newCleanupLayout(t)
	batch, err := layout.Temp().CreateTemp(".", "batch-*.zip")
	require.NoError(t, err)
	batch.Close()
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(batch.Name(), past, past))

	cleaner := NewCleaner(setupTestRepo(t), layout, config.CleanupConfig{TempMaxAge: config.Duration(time.Hour)}).
		WithLogger(observability.Discard())
	report, err := cleaner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TempEntries)
	assert.NoFileExists(t, batch.Name())
}
