package service

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/mediaforge/internal/config"
	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/repository"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

func setupTestRepo(t *testing.T) repository.ConversionJobRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.ConversionJob{}))
	return repository.NewConversionJobRepository(db)
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

// fakeConverter writes a small artifact, or fails with the configured result.
type fakeConverter struct {
	mu       sync.Mutex
	requests []engine.Request
	fail     *engine.Result
	panics   bool
}

func (f *fakeConverter) Convert(_ context.Context, req engine.Request) engine.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.panics {
		panic("decoder exploded")
	}
	if f.fail != nil {
		return *f.fail
	}
	req.Progress(30, "transcoding")
	req.Progress(90, "encoding")
	if err := os.WriteFile(req.OutputPath, []byte("GIF89a-artifact"), 0o644); err != nil {
		return engine.Failed(engine.ErrorClassInfrastructure, true, "%v", err)
	}
	return engine.Succeeded(req.OutputPath, map[string]any{
		models.MetaInputInfo: map[string]any{"width": 320},
		"output_info":        map[string]any{"frames": 12},
		models.MetaEngine:    string(req.Kind),
		"strategy":           "single-pass",
	})
}

func (f *fakeConverter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeCatalog declares the formats of the stock engines.
type fakeCatalog struct{}

func (fakeCatalog) Formats() map[engine.Kind]engine.Formats {
	return map[engine.Kind]engine.Formats{
		engine.KindVideo: {Input: []string{"mp4", "mov", "webm"}, Output: []string{"gif"}},
		engine.KindImage: {Input: []string{"png", "jpg"}, Output: []string{"png", "jpg", "webp"}},
		engine.KindAudio: {Input: []string{"wav", "mp3"}, Output: []string{"mp3", "ogg"}},
	}
}

func (c fakeCatalog) Status() map[engine.Kind]engine.Descriptor {
	out := map[engine.Kind]engine.Descriptor{}
	for kind, formats := range c.Formats() {
		out[kind] = engine.Descriptor{Kind: kind, Available: true, Formats: formats}
	}
	return out
}

type enqueued struct {
	id        models.ULID
	notBefore *time.Time
}

// recordingEnqueuer remembers every hand-off.
type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []enqueued
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, id models.ULID, notBefore *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, enqueued{id: id, notBefore: notBefore})
	return nil
}
