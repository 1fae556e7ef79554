package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediaforge/internal/effects"
	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
	"github.com/jmylchreest/mediaforge/internal/models"
)

func TestConfig_CacheKey(t *testing.T) {
	a := Config{"b": "2", "a": "1"}
	b := Config{"a": "1", "b": "2"}
	assert.Equal(t, "video|a=1,b=2", a.CacheKey(KindVideo))
	assert.Equal(t, a.CacheKey(KindVideo), b.CacheKey(KindVideo))
	assert.Equal(t, "image|", Config(nil).CacheKey(KindImage))
}

func TestDispatcher_GetEngine_SameInstance(t *testing.T) {
	d := NewDispatcher(testDeps(newFakeTranscoder(), t.TempDir()))

	first, ok := d.GetEngine(KindVideo, Config{"max_frames": "100"})
	require.True(t, ok)

	var wg sync.WaitGroup
	results := make([]Engine, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.GetEngine(KindVideo, Config{"max_frames": "100"})
		}(i)
	}
	wg.Wait()
	for _, eng := range results {
		assert.Same(t, first, eng)
	}

	other, ok := d.GetEngine(KindVideo, Config{"max_frames": "200"})
	require.True(t, ok)
	assert.NotSame(t, first, other)
}

func TestDispatcher_ClearCache(t *testing.T) {
	d := NewDispatcher(testDeps(newFakeTranscoder(), t.TempDir()))

	first, _ := d.GetEngine(KindImage, nil)
	d.ClearCache()
	second, _ := d.GetEngine(KindImage, nil)
	assert.NotSame(t, first, second)
}

func TestDispatcher_GetEngine_Unknown(t *testing.T) {
	d := NewDispatcher(testDeps(newFakeTranscoder(), t.TempDir()))
	_, ok := d.GetEngine(Kind("spreadsheet"), nil)
	assert.False(t, ok)

	_, ok = d.GetEngine(KindImage, Config{"jpeg_quality": "500"})
	assert.False(t, ok, "factory errors are reported as unavailable")
}

func TestDispatcher_Convert_UnknownType(t *testing.T) {
	d := NewDispatcher(testDeps(newFakeTranscoder(), t.TempDir()))
	res := d.Convert(context.Background(), Request{InputPath: "/tmp/file.xyz"})
	assert.False(t, res.Success)
	assert.Equal(t, "could not determine file type", res.ErrorMessage)
	assert.Equal(t, ErrorClassValidation, res.ErrorClass)
	assert.False(t, res.Retryable)
}

func TestDispatcher_Convert_MissingDependencies(t *testing.T) {
	d := NewDispatcher(Deps{})
	res := d.Convert(context.Background(), Request{
		InputPath: "/tmp/upload-123",
		Filename:  "clip.mp4",
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "missing dependencies: ffmpeg, ffprobe")
	assert.Equal(t, ErrorClassDependency, res.ErrorClass)
	assert.False(t, res.Retryable)
}

type panickingEngine struct{ ImageEngine }

func (p *panickingEngine) Convert(context.Context, Request) Result {
	panic("boom")
}

func TestDispatcher_Convert_RecoversPanics(t *testing.T) {
	d := NewDispatcher(testDeps(newFakeTranscoder(), t.TempDir()))
	d.Register(KindImage, func(Config, Deps) (Engine, error) { return &panickingEngine{}, nil })

	res := d.Convert(context.Background(), Request{InputPath: "photo.png"})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "boom")
	assert.Equal(t, ErrorClassInfrastructure, res.ErrorClass)
}

func TestDispatcher_Convert_KindOverride(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(testDeps(newFakeTranscoder(), dir))

	res := d.Convert(context.Background(), Request{
		InputPath:  filepath.Join(dir, "missing"),
		OutputPath: filepath.Join(dir, "out.txt"),
		Kind:       KindDocument,
		Filename:   "notes.txt",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "document", res.Metadata["engine"])
}

func TestDispatcher_StatusAndFormats(t *testing.T) {
	d := NewDispatcher(Deps{})

	status := d.Status()
	require.Len(t, status, 5)
	assert.False(t, status[KindVideo].Available)
	assert.Equal(t, map[string]bool{"ffmpeg": false, "ffprobe": false}, status[KindVideo].Dependencies)
	assert.False(t, status[KindAudio].Available)
	assert.True(t, status[KindImage].Available)
	assert.True(t, status[KindDocument].Available)
	assert.True(t, status[KindArchive].Available)

	formats := d.Formats()
	assert.Equal(t, []string{"gif", "mp4", "webm", "avi"}, formats[KindVideo].Output)
	assert.Contains(t, formats[KindArchive].Input, "tar.gz")
}

func TestClassify(t *testing.T) {
	class, retry := Classify(nil)
	assert.Equal(t, ErrorClassNone, class)
	assert.False(t, retry)

	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"bad params", models.ErrInvalidTimeRange, ErrorClassValidation, false},
		{"frame limit", fmt.Errorf("decoding: %w", effects.ErrTooManyFrames), ErrorClassValidation, false},
		{"empty window", fmt.Errorf("decoding frames: %w", effects.ErrNoFrames), ErrorClassValidation, false},
		{"missing binary", ffmpeg.ErrBinaryNotFound, ErrorClassDependency, false},
		{"disk", errors.New("no space left on device"), ErrorClassInfrastructure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, retry := Classify(tt.err)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.retryable, retry)
		})
	}
}
