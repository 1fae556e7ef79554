package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero(), "NewULID should generate a non-zero ID")
	assert.NotEqual(t, id, NewULID(), "two NewULID calls should produce different IDs")
}

func TestParseULID(t *testing.T) {
	t.Run("valid ULID string", func(t *testing.T) {
		original := NewULID()
		parsed, err := ParseULID(original.String())
		require.NoError(t, err)
		assert.Equal(t, original, parsed)
	})

	t.Run("invalid ULID string", func(t *testing.T) {
		_, err := ParseULID("not-a-valid-ulid")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ULID")
	})
}

func TestULID_Scan(t *testing.T) {
	validID := NewULID()
	validStr := validID.String()

	tests := []struct {
		name      string
		input     any
		expected  ULID
		expectErr bool
	}{
		{"nil sets zero", nil, ULID{}, false},
		{"valid string", validStr, validID, false},
		{"empty string sets zero", "", ULID{}, false},
		{"valid []byte", []byte(validStr), validID, false},
		{"invalid string", "bad-ulid", ULID{}, true},
		{"unsupported type int", 12345, ULID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u ULID
			err := u.Scan(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u)
		})
	}
}

func TestULID_JSON(t *testing.T) {
	t.Run("zero ULID marshals to null", func(t *testing.T) {
		data, err := json.Marshal(ULID{})
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))
	})

	t.Run("value survives a JSON round trip", func(t *testing.T) {
		id := NewULID()
		data, err := json.Marshal(id)
		require.NoError(t, err)

		var parsed ULID
		require.NoError(t, json.Unmarshal(data, &parsed))
		assert.Equal(t, id, parsed)
	})

	t.Run("unquoted JSON errors", func(t *testing.T) {
		var u ULID
		err := json.Unmarshal([]byte("12345"), &u)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ULID JSON")
	})
}

func TestJSONMap_ValueScan(t *testing.T) {
	m := JSONMap{"original_filename": "clip.mp4", "output_size": 1024}
	v, err := m.Value()
	require.NoError(t, err)

	var scanned JSONMap
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, "clip.mp4", scanned.String("original_filename", ""))
	assert.Equal(t, int64(1024), scanned.Int64("output_size", 0))
	assert.Equal(t, "fallback", scanned.String("missing", "fallback"))

	var empty JSONMap
	require.NoError(t, empty.Scan(nil))
	assert.NotNil(t, empty)

	assert.Error(t, empty.Scan(42))
}
