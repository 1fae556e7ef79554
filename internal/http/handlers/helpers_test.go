package handlers_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/mediaforge/internal/config"
	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/http/handlers"
	"github.com/jmylchreest/mediaforge/internal/httpclient"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/observability"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/service"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

func setupTestDB(t *testing.T) *gorm.DB {
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

func newTestLayout(t *testing.T) *storage.Layout {
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

// testCatalog declares a video and an image engine.
type testCatalog struct{}

func (testCatalog) Formats() map[engine.Kind]engine.Formats {
	return map[engine.Kind]engine.Formats{
		engine.KindVideo: {Input: []string{"mp4", "mov"}, Output: []string{"gif"}},
		engine.KindImage: {Input: []string{"png", "jpg"}, Output: []string{"png", "jpg"}},
	}
}

func (c testCatalog) Status() map[engine.Kind]engine.Descriptor {
	out := map[engine.Kind]engine.Descriptor{}
	for kind, formats := range c.Formats() {
		out[kind] = engine.Descriptor{
			Kind:         kind,
			Available:    kind == engine.KindImage,
			Dependencies: map[string]bool{"ffmpeg": false},
			Formats:      formats,
		}
	}
	return out
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []models.ULID
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, id models.ULID, _ *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// apiFixture wires a conversion service behind a humachi router.
type apiFixture struct {
	repo     repository.ConversionJobRepository
	layout   *storage.Layout
	enqueuer *recordingEnqueuer
	svc      *service.ConversionService
	router   *chi.Mux
	api      huma.API
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		repo:     repository.NewConversionJobRepository(setupTestDB(t)),
		layout:   newTestLayout(t),
		enqueuer: &recordingEnqueuer{},
	}
	f.svc = service.NewConversionService(f.repo, testCatalog{}, f.layout).
		WithLogger(observability.Discard()).
		WithEnqueuer(f.enqueuer).
		WithDownloader(httpclient.NewDownloader(config.DownloadConfig{
			Timeout: 5 * time.Second,
			MaxSize: config.ByteSize(4096),
		}, observability.Discard())).
		WithLimits(4096, 2, 3)

	f.router = chi.NewRouter()
	f.api = humachi.New(f.router, huma.DefaultConfig("Test API", "1.0.0"))
	handlers.NewConversionHandler(f.svc).
		WithMaxUpload(4096).
		WithLogger(observability.Discard()).
		Register(f.api)
	return f
}

// completeJob submits name and marks it done with an artifact on disk.
func (f *apiFixture) completeJob(t *testing.T, name string) *models.ConversionJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.Submit(ctx, service.SubmitRequest{Filename: name, Body: strings.NewReader("input")})
	require.NoError(t, err)

	job, err = f.repo.Start(ctx, job.ID)
	require.NoError(t, err)
	_, abs, err := f.layout.ArtifactPath("video", name, "gif")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(abs, []byte("GIF89a-"+name), 0o644))
	require.NoError(t, job.Complete(abs, 6+int64(len(name))))
	job.SetMetadata(map[string]any{models.MetaOutputURL: "https://cdn.example.com/" + name})
	require.NoError(t, f.repo.Update(ctx, job))
	return job
}
