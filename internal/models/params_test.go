package models

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConversionParams(t *testing.T) {
	t.Run("defaults when nothing supplied", func(t *testing.T) {
		p, err := ParseConversionParams(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultConversionParams(), p)
	})

	t.Run("coerces flat values", func(t *testing.T) {
		p, err := ParseConversionParams(map[string]string{
			"width":        "320",
			"fps":          "10",
			"start_time":   "1.5",
			"end_time":     "4",
			"speed":        "2",
			"grayscale":    "on",
			"high_quality": "true",
			"dither":       "FLOYD_STEINBERG",
			"unknown_key":  "ignored",
		})
		require.NoError(t, err)
		assert.Equal(t, 320, p.Width)
		assert.Equal(t, 10, p.FPS)
		assert.InDelta(t, 1.5, p.StartTime, 0.0001)
		require.NotNil(t, p.EndTime)
		assert.InDelta(t, 4.0, *p.EndTime, 0.0001)
		assert.InDelta(t, 2.0, p.Speed, 0.0001)
		assert.True(t, p.Grayscale)
		assert.True(t, p.HighQuality)
		assert.Equal(t, DitherFloydSteinberg, p.Dither)
	})

	t.Run("end before start is rejected", func(t *testing.T) {
		_, err := ParseConversionParams(map[string]string{"start_time": "5", "end_time": "3"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTimeRange)
		assert.ErrorIs(t, err, ErrInvalidParams)
	})

	t.Run("end equal to start is rejected", func(t *testing.T) {
		_, err := ParseConversionParams(map[string]string{"start_time": "3", "end_time": "3"})
		assert.ErrorIs(t, err, ErrInvalidTimeRange)
	})

	tests := []struct {
		name  string
		input map[string]string
		field string
	}{
		{"non numeric width", map[string]string{"width": "wide"}, "width"},
		{"non boolean reverse", map[string]string{"reverse": "maybe"}, "reverse"},
		{"zero speed", map[string]string{"speed": "0"}, "speed"},
		{"negative start", map[string]string{"start_time": "-1"}, "start_time"},
		{"unknown dither", map[string]string{"dither": "atkinson"}, "dither"},
		{"nan end", map[string]string{"end_time": "NaN", "width": "320"}, "end_time"},
		{"infinite end", map[string]string{"end_time": "Inf", "width": "320", "fps": "10"}, "end_time"},
		{"negative infinite start", map[string]string{"start_time": "-Inf"}, "start_time"},
		{"nan speed", map[string]string{"speed": "NaN"}, "speed"},
		{"infinite speed", map[string]string{"speed": "+Inf"}, "speed"},
		{"nan width", map[string]string{"width": "NaN"}, "width"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConversionParams(tt.input)
			require.Error(t, err)
			var verr ErrValidation
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestConversionParams_ValidateNonFinite(t *testing.T) {
	nan := math.NaN()

	p := DefaultConversionParams()
	p.EndTime = &nan
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = DefaultConversionParams()
	p.Speed = math.Inf(1)
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = DefaultConversionParams()
	p.StartTime = math.Inf(-1)
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
}

func TestConversionParams_AsMap(t *testing.T) {
	end := 4.0
	p := DefaultConversionParams()
	p.Width = 320
	p.FPS = 10
	p.EndTime = &end

	m, err := p.AsMap()
	require.NoError(t, err)
	assert.EqualValues(t, 320, m["width"])

	back, err := ParamsFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, p, back)

	p.Speed = math.NaN()
	_, err = p.AsMap()
	assert.Error(t, err)
}

func TestConversionParams_Normalize(t *testing.T) {
	b := DefaultParamBounds()

	tests := []struct {
		name      string
		in        ConversionParams
		wantWidth int
		wantFPS   int
		wantSpeed float64
	}{
		{"odd width rounds up", ConversionParams{Width: 321, FPS: 10, Speed: 1}, 322, 10, 1},
		{"width clamped high", ConversionParams{Width: 5000, FPS: 10, Speed: 1}, 1920, 10, 1},
		{"width clamped low", ConversionParams{Width: 3, FPS: 10, Speed: 1}, 16, 10, 1},
		{"fps clamped", ConversionParams{Width: 480, FPS: 120, Speed: 1}, 480, 50, 1},
		{"zero values use defaults", ConversionParams{Speed: 1}, 480, 15, 1},
		{"speed clamped", ConversionParams{Width: 480, FPS: 10, Speed: 10}, 480, 10, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize(b)
			assert.Equal(t, tt.wantWidth, got.Width)
			assert.Equal(t, tt.wantFPS, got.FPS)
			assert.InDelta(t, tt.wantSpeed, got.Speed, 0.0001)
			assert.Equal(t, DitherBayer, got.Dither)
			assert.Zero(t, got.Width%2)
		})
	}
}

func TestConversionParams_Window(t *testing.T) {
	p := DefaultConversionParams()
	p.StartTime = 2
	start, dur, bounded := p.Window()
	assert.InDelta(t, 2.0, start, 0.0001)
	assert.False(t, bounded)
	assert.Zero(t, dur)

	end := 5.0
	p.EndTime = &end
	_, dur, bounded = p.Window()
	assert.True(t, bounded)
	assert.InDelta(t, 3.0, dur, 0.0001)
}

func TestConversionParams_NeedsFrameBuffer(t *testing.T) {
	p := DefaultConversionParams()
	assert.False(t, p.NeedsFrameBuffer())
	p.Reverse = true
	assert.True(t, p.NeedsFrameBuffer())
	p.Reverse = false
	p.Boomerang = true
	assert.True(t, p.NeedsFrameBuffer())
}
