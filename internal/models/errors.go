package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any field error against ErrInvalidParams.
func (e ErrValidation) Unwrap() error {
	return ErrInvalidParams
}

var (
	// ErrInvalidParams indicates conversion parameters failed validation.
	ErrInvalidParams = errors.New("invalid conversion parameters")

	// ErrInvalidTimeRange indicates end time is not after start time.
	ErrInvalidTimeRange = ErrValidation{Field: "end_time", Message: "end time must be after start time"}

	// ErrInvalidTransition indicates a status change the job state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrUnsupportedDither indicates an unknown dithering algorithm name.
	ErrUnsupportedDither = ErrValidation{Field: "dither", Message: "must be one of bayer, floyd_steinberg, sierra2_4a, none"}
)
