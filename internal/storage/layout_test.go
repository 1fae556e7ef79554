package storage

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediaforge/internal/config"
)

func TestSafeBaseName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"clip.mp4", "clip"},
		{"Café Déjà Vu.mp4", "Cafe_Deja_Vu"},
		{"ñandú-2024_final.webm", "nandu-2024_final"},
		{"a very long file name that goes on.mov", "a_very_long_file_nam"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\video.MP4`, "video"},
		{"clip.tar.gz", "clip_tar"},
		{"日本語.mp4", "file"},
		{"", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := SafeBaseName(tt.in)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), maxSafeBaseLen)
		})
	}
}

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(config.StorageConfig{
		BaseDir:   t.TempDir(),
		OutputDir: "output",
		UploadDir: "uploads",
		TempDir:   "temp",
	})
	require.NoError(t, err)
	return l
}

func TestLayout_ArtifactPath(t *testing.T) {
	l := newTestLayout(t)

	rel, abs, err := l.ArtifactPath("video", "Holiday Clip.mov", "gif")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^video/Holiday_Clip_[0-9a-f]{8}\.gif$`), filepath.ToSlash(rel))
	assert.Equal(t, filepath.Join(l.Output().BaseDir(), rel), abs)

	info, err := os.Stat(filepath.Dir(abs))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	rel2, _, err := l.ArtifactPath("video", "Holiday Clip.mov", ".gif")
	require.NoError(t, err)
	assert.NotEqual(t, rel, rel2)
	assert.True(t, strings.HasSuffix(rel2, ".gif"))
	assert.False(t, strings.HasSuffix(rel2, "..gif"))

	_, _, err = l.ArtifactPath("../escape", "x.mov", "gif")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestLayout_StoreInput(t *testing.T) {
	l := newTestLayout(t)

	abs, n, err := l.StoreInput(strings.NewReader("payload"), "my clip.tar.gz", "tar.gz", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.True(t, l.Uploads().Contains(abs))
	assert.True(t, strings.HasSuffix(abs, "_my_clip_tar.tar.gz"))

	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, _, err = l.StoreInput(strings.NewReader("payload"), "big.mp4", "mp4", 3)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLayout_JobTempDir(t *testing.T) {
	l := newTestLayout(t)

	dir, err := l.JobTempDir("01J0000000000000000000000")
	require.NoError(t, err)
	assert.True(t, l.Temp().Contains(dir))
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "job-01J0000000000000000000000-"))
}
