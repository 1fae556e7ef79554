package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Dither selects the palette application algorithm for two-pass GIF output.
type Dither string

const (
	// DitherBayer is ordered dithering and the default.
	DitherBayer Dither = "bayer"
	// DitherFloydSteinberg is Floyd-Steinberg error diffusion.
	DitherFloydSteinberg Dither = "floyd_steinberg"
	// DitherSierra2_4A is the Sierra-2-4A error diffusion variant.
	DitherSierra2_4A Dither = "sierra2_4a"
	// DitherNone disables dithering.
	DitherNone Dither = "none"
)

// Valid reports whether d is a known dithering algorithm.
func (d Dither) Valid() bool {
	switch d {
	case DitherBayer, DitherFloydSteinberg, DitherSierra2_4A, DitherNone:
		return true
	}
	return false
}

// ConversionParams are the typed options for a conversion. They are stored in
// job metadata under MetaParams.
type ConversionParams struct {
	Width            int      `json:"width"`
	FPS              int      `json:"fps"`
	StartTime        float64  `json:"start_time"`
	EndTime          *float64 `json:"end_time,omitempty"`
	Speed            float64  `json:"speed"`
	Grayscale        bool     `json:"grayscale"`
	Reverse          bool     `json:"reverse"`
	Boomerang        bool     `json:"boomerang"`
	KeepOriginalSize bool     `json:"keep_original_size"`
	HighQuality      bool     `json:"high_quality"`
	Dither           Dither   `json:"dither"`
	OutputFormat     string   `json:"output_format"`
}

// DefaultConversionParams returns the parameter set used when a field is not
// supplied.
func DefaultConversionParams() ConversionParams {
	return ConversionParams{
		Width:        480,
		FPS:          15,
		Speed:        1.0,
		Dither:       DitherBayer,
		OutputFormat: "gif",
	}
}

// ParamBounds are the engine-declared limits that Normalize clamps to.
type ParamBounds struct {
	MinWidth int
	MaxWidth int
	MinFPS   int
	MaxFPS   int
	MinSpeed float64
	MaxSpeed float64
}

// DefaultParamBounds returns the limits of the video engine.
func DefaultParamBounds() ParamBounds {
	return ParamBounds{
		MinWidth: 16,
		MaxWidth: 1920,
		MinFPS:   1,
		MaxFPS:   50,
		MinSpeed: 0.25,
		MaxSpeed: 4.0,
	}
}

// NeedsFrameBuffer reports whether the requested effects cannot be expressed
// as a linear filter chain.
func (p ConversionParams) NeedsFrameBuffer() bool {
	return p.Reverse || p.Boomerang
}

// Window returns the seek offset and, when an end time is set, the duration.
func (p ConversionParams) Window() (start float64, duration float64, bounded bool) {
	if p.EndTime == nil {
		return p.StartTime, 0, false
	}
	return p.StartTime, *p.EndTime - p.StartTime, true
}

// Validate rejects parameter sets that can never produce output.
func (p ConversionParams) Validate() error {
	if !finite(p.StartTime) {
		return ErrValidation{Field: "start_time", Message: "must be a finite number"}
	}
	if p.EndTime != nil && !finite(*p.EndTime) {
		return ErrValidation{Field: "end_time", Message: "must be a finite number"}
	}
	if !finite(p.Speed) {
		return ErrValidation{Field: "speed", Message: "must be a finite number"}
	}
	if p.StartTime < 0 {
		return ErrValidation{Field: "start_time", Message: "must not be negative"}
	}
	if p.EndTime != nil && *p.EndTime <= p.StartTime {
		return ErrInvalidTimeRange
	}
	if p.Speed <= 0 {
		return ErrValidation{Field: "speed", Message: "must be positive"}
	}
	if p.Width < 0 {
		return ErrValidation{Field: "width", Message: "must not be negative"}
	}
	if p.FPS < 0 {
		return ErrValidation{Field: "fps", Message: "must not be negative"}
	}
	if !p.Dither.Valid() {
		return ErrUnsupportedDither
	}
	return nil
}

// Normalize clamps width, frame rate and speed to b and rounds the width up
// to an even value.
func (p ConversionParams) Normalize(b ParamBounds) ConversionParams {
	if p.Width == 0 {
		p.Width = DefaultConversionParams().Width
	}
	if p.FPS == 0 {
		p.FPS = DefaultConversionParams().FPS
	}
	p.Width = min(max(p.Width, b.MinWidth), b.MaxWidth)
	if p.Width%2 != 0 {
		p.Width++
		if p.Width > b.MaxWidth {
			p.Width -= 2
		}
	}
	p.FPS = min(max(p.FPS, b.MinFPS), b.MaxFPS)
	if p.Speed < b.MinSpeed {
		p.Speed = b.MinSpeed
	}
	if p.Speed > b.MaxSpeed {
		p.Speed = b.MaxSpeed
	}
	if p.Dither == "" {
		p.Dither = DitherBayer
	}
	p.OutputFormat = strings.ToLower(strings.TrimPrefix(p.OutputFormat, "."))
	return p
}

// AsMap converts the parameters to the metadata representation.
func (p ConversionParams) AsMap() (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	return out, nil
}

// ParamsFromMap decodes parameters previously stored with AsMap.
func ParamsFromMap(m map[string]any) (ConversionParams, error) {
	p := DefaultConversionParams()
	b, err := json.Marshal(m)
	if err != nil {
		return p, fmt.Errorf("encoding params: %w", err)
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decoding params: %w", err)
	}
	return p, nil
}

// ParseConversionParams coerces flat key/value pairs, as submitted by a form
// or query string, into typed parameters. Unknown keys are ignored. The
// result is validated but not normalized.
func ParseConversionParams(values map[string]string) (ConversionParams, error) {
	p := DefaultConversionParams()

	for key, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var err error
		switch key {
		case "width":
			p.Width, err = parseInt(key, raw)
		case "fps":
			p.FPS, err = parseInt(key, raw)
		case "start_time":
			p.StartTime, err = parseFloat(key, raw)
		case "end_time":
			var v float64
			if v, err = parseFloat(key, raw); err == nil {
				p.EndTime = &v
			}
		case "speed":
			p.Speed, err = parseFloat(key, raw)
		case "grayscale":
			p.Grayscale, err = parseBool(key, raw)
		case "reverse":
			p.Reverse, err = parseBool(key, raw)
		case "boomerang":
			p.Boomerang, err = parseBool(key, raw)
		case "keep_original_size":
			p.KeepOriginalSize, err = parseBool(key, raw)
		case "high_quality":
			p.HighQuality, err = parseBool(key, raw)
		case "dither":
			p.Dither = Dither(strings.ToLower(raw))
		case "output_format":
			p.OutputFormat = raw
		}
		if err != nil {
			return p, err
		}
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func parseInt(field, raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || !finite(f) {
			return 0, ErrValidation{Field: field, Message: "must be an integer"}
		}
		v = int(f)
	}
	return v, nil
}

func parseFloat(field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || !finite(v) {
		return 0, ErrValidation{Field: field, Message: "must be a number"}
	}
	return v, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func parseBool(field, raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "on", "yes", "y":
		return true, nil
	case "off", "no", "n":
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ErrValidation{Field: field, Message: "must be a boolean"}
	}
	return v, nil
}
