package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"hours", "720h", 720 * time.Hour, false},
		{"minutes", "30m", 30 * time.Minute, false},
		{"combined standard", "1h30m", 90 * time.Minute, false},
		{"days", "7d", 7 * day, false},
		{"days and hours", "1d12h", 36 * time.Hour, false},
		{"weeks", "2w", 14 * day, false},
		{"weeks days hours", "1w2d12h", 9*day + 12*time.Hour, false},
		{"zero", "0s", 0, false},
		{"invalid", "invalid", 0, true},
		{"bad suffix", "3d4x", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Duration())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2w"`), &d))
	assert.Equal(t, 14*day, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, d.Duration())

	data, err := json.Marshal(Duration(8 * day))
	require.NoError(t, err)
	assert.Equal(t, `"8d"`, string(data))
}

func TestDuration_String(t *testing.T) {
	assert.Equal(t, "7d", Duration(7*day).String())
	assert.Equal(t, "36h0m0s", Duration(36*time.Hour).String())
	assert.Equal(t, "0s", Duration(0).String())
}
