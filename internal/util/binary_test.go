package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-binary")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	return path
}

func TestFindBinary(t *testing.T) {
	t.Run("configured path wins", func(t *testing.T) {
		configured := writeExecutable(t, 0o755)
		env := writeExecutable(t, 0o755)
		t.Setenv("TEST_BINARY_PATH", env)

		path, err := FindBinary("ls", configured, "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, configured, path)
	})

	t.Run("env var takes priority over PATH", func(t *testing.T) {
		env := writeExecutable(t, 0o755)
		t.Setenv("TEST_BINARY_PATH", env)

		path, err := FindBinary("ls", "", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, env, path)
	})

	t.Run("finds binary on PATH", func(t *testing.T) {
		path, err := FindBinary("ls", "", "")
		require.NoError(t, err)
		assert.Contains(t, path, "ls")
	})

	t.Run("non executable env path falls through", func(t *testing.T) {
		t.Setenv("TEST_BINARY_PATH", writeExecutable(t, 0o644))

		path, err := FindBinary("ls", "", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Contains(t, path, "ls")
	})

	t.Run("missing configured path falls through", func(t *testing.T) {
		path, err := FindBinary("ls", "/nonexistent/ffmpeg", "")
		require.NoError(t, err)
		assert.NotEqual(t, "/nonexistent/ffmpeg", path)
	})

	t.Run("returns error when binary not found", func(t *testing.T) {
		path, err := FindBinary("definitely-nonexistent-binary-12345", "", "")
		require.Error(t, err)
		assert.Empty(t, path)
		assert.Contains(t, err.Error(), "not found")
	})
}
