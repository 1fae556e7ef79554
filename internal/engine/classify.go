package engine

import (
	"errors"

	"github.com/jmylchreest/mediaforge/internal/effects"
	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
	"github.com/jmylchreest/mediaforge/internal/models"
)

// Classify maps an error to its class and whether a later attempt could
// succeed. Timeouts and infrastructure faults are retryable; bad input,
// bad parameters and missing tools are not.
func Classify(err error) (ErrorClass, bool) {
	var exitErr *ffmpeg.ExitError
	switch {
	case err == nil:
		return ErrorClassNone, false
	case errors.Is(err, models.ErrInvalidParams), errors.Is(err, effects.ErrTooManyFrames),
		errors.Is(err, effects.ErrNoFrames):
		return ErrorClassValidation, false
	case errors.Is(err, ffmpeg.ErrBinaryNotFound):
		return ErrorClassDependency, false
	case errors.Is(err, ffmpeg.ErrTimeout):
		return ErrorClassTranscoder, true
	case errors.As(err, &exitErr):
		return ErrorClassTranscoder, false
	default:
		return ErrorClassInfrastructure, true
	}
}

// FailedFrom builds a failed result from err, prefixed with what was being
// attempted.
func FailedFrom(what string, err error) Result {
	class, retryable := Classify(err)
	return Failed(class, retryable, "%s: %v", what, err)
}
