package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

func TestNewSandbox(t *testing.T) {
	sandboxDir := filepath.Join(t.TempDir(), "sandbox")

	sb, err := NewSandbox(sandboxDir)
	require.NoError(t, err)

	info, err := os.Stat(sandboxDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(sb.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	sb := setupTestSandbox(t)

	tests := []struct {
		name        string
		path        string
		shouldError bool
	}{
		{"simple file", "clip.gif", false},
		{"nested path", "video/clip.gif", false},
		{"current dir", ".", false},
		{"parent escape attempt", "../escape.gif", true},
		{"nested parent escape", "video/../../escape.gif", true},
		{"absolute path escape", "/etc/passwd", true},
		{"hidden file", ".hidden", false},
		{"dot dot name", "..clip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := sb.ResolvePath(tt.path)
			if tt.shouldError {
				assert.ErrorIs(t, err, ErrPathTraversal)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(resolved, sb.BaseDir()))
		})
	}
}

func TestSandbox_ContainsAndRel(t *testing.T) {
	sb := setupTestSandbox(t)

	assert.True(t, sb.Contains(sb.BaseDir()))
	assert.True(t, sb.Contains(filepath.Join(sb.BaseDir(), "video", "a.gif")))
	assert.False(t, sb.Contains(sb.BaseDir()+"-sibling"))
	assert.False(t, sb.Contains(filepath.Join(sb.BaseDir(), "..", "other")))

	rel, err := sb.Rel(filepath.Join(sb.BaseDir(), "video", "a.gif"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("video", "a.gif"), rel)

	_, err = sb.Rel("/etc/passwd")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestSandbox_AtomicWriteReader(t *testing.T) {
	sb := setupTestSandbox(t)

	n, err := sb.AtomicWriteReader("uploads/in.mp4", strings.NewReader("frames"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	f, err := sb.Open("uploads/in.mp4")
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size())

	entries, err := sb.List("uploads")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestSandbox_AtomicWriteReader_Limit(t *testing.T) {
	sb := setupTestSandbox(t)

	_, err := sb.AtomicWriteReader("big.bin", strings.NewReader("0123456789"), 4)
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := sb.List(".")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = sb.AtomicWriteReader("exact.bin", strings.NewReader("0123"), 4)
	assert.NoError(t, err)
}

func TestSandbox_RemoveAll(t *testing.T) {
	sb := setupTestSandbox(t)

	require.NoError(t, sb.MkdirAll("job/frames"))
	_, err := sb.AtomicWriteReader("job/frames/0001.png", strings.NewReader("x"), 0)
	require.NoError(t, err)

	require.NoError(t, sb.RemoveAll("job"))
	_, err = sb.Stat("job")
	assert.Error(t, err)

	assert.Error(t, sb.RemoveAll("."))
}

func TestSandbox_Temp(t *testing.T) {
	sb := setupTestSandbox(t)

	f, err := sb.CreateTemp("temp", "upload-*")
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, sb.Contains(f.Name()))

	dir, err := sb.MkdirTemp("temp", "job-*")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "job-"))
	assert.True(t, sb.Contains(dir))

	_, err = sb.MkdirTemp("../outside", "job-*")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestSandbox_Walk(t *testing.T) {
	sb := setupTestSandbox(t)
	for _, p := range []string{"video/a.gif", "video/b.gif", "image/c.png"} {
		_, err := sb.AtomicWriteReader(p, strings.NewReader("x"), 0)
		require.NoError(t, err)
	}

	var files []string
	err := sb.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join("video", "a.gif"),
		filepath.Join("video", "b.gif"),
		filepath.Join("image", "c.png"),
	}, files)
}

func TestSandbox_SubSandbox(t *testing.T) {
	sb := setupTestSandbox(t)

	sub, err := sb.SubSandbox("output")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.BaseDir(), "output"), sub.BaseDir())

	_, err = sb.SubSandbox("../elsewhere")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestSandbox_AtomicPublish(t *testing.T) {
	sb := setupTestSandbox(t)
	src := filepath.Join(t.TempDir(), "render.gif")
	require.NoError(t, os.WriteFile(src, []byte("GIF89a"), 0o600))

	require.NoError(t, sb.AtomicPublish(src, "video/clip_0a1b2c3d.gif"))

	info, err := sb.Stat("video/clip_0a1b2c3d.gif")
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size())
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, sb.AtomicPublish(src, "../x.gif"), ErrPathTraversal)
}
