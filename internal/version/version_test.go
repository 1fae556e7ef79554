package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withBuild overrides the ldflags variables for one test.
func withBuild(t *testing.T, version, commit, date, tree string) {
	t.Helper()
	origVersion, origCommit, origDate, origTree := Version, Commit, Date, TreeState
	t.Cleanup(func() {
		Version, Commit, Date, TreeState = origVersion, origCommit, origDate, origTree
	})
	Version, Commit, Date, TreeState = version, commit, date, tree
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOOS)
	assert.Contains(t, info.Platform, runtime.GOARCH)
}

func TestString(t *testing.T) {
	t.Run("without commit", func(t *testing.T) {
		withBuild(t, "1.0.0", "unknown", "unknown", "unknown")
		s := String()
		assert.Contains(t, s, ApplicationName+" version 1.0.0")
		assert.NotContains(t, s, "commit:")
	})

	t.Run("with commit", func(t *testing.T) {
		withBuild(t, "1.0.0", "abc123def456789", "2026-01-15T10:30:00Z", "clean")
		s := String()
		assert.Contains(t, s, "commit: abc123de,")
		assert.Contains(t, s, "2026-01-15")
	})

	t.Run("dirty tree", func(t *testing.T) {
		withBuild(t, "1.0.0", "abc123def456789", "2026-01-15T10:30:00Z", "dirty")
		assert.Contains(t, String(), "abc123de*")
		assert.Equal(t, "1.0.0 (abc123de*)", Short())
	})
}

func TestShort(t *testing.T) {
	withBuild(t, "1.0.0", "unknown", "unknown", "unknown")
	assert.Equal(t, "1.0.0", Short())
}

func TestJSON(t *testing.T) {
	withBuild(t, "1.2.3", "abc123def456789", "2026-01-15T10:30:00Z", "clean")

	var info Info
	require.NoError(t, json.Unmarshal([]byte(JSON()), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc123def456789", info.Commit)
	assert.Equal(t, "clean", info.TreeState)
}

func TestUserAgent(t *testing.T) {
	withBuild(t, "2.1.0", "unknown", "unknown", "unknown")
	assert.Equal(t, "mediaforge/2.1.0", UserAgent())
}

func TestReleaseState(t *testing.T) {
	tests := []struct {
		version  string
		snapshot bool
	}{
		{"dev", true},
		{"1.0.0", false},
		{"1.0.1-SNAPSHOT.abc1234", true},
		{"0.1.0", false},
		{"1.2.3-alpha.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			withBuild(t, tt.version, "unknown", "unknown", "unknown")
			assert.Equal(t, tt.snapshot, IsSnapshot())
			assert.Equal(t, !tt.snapshot, IsRelease())
		})
	}
}
