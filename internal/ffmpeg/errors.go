package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when an invocation exceeds its wall-clock budget.
	ErrTimeout = errors.New("ffmpeg invocation timed out")

	// ErrBinaryNotFound is returned when ffmpeg or ffprobe cannot be located.
	ErrBinaryNotFound = errors.New("binary not found")
)

// TimeoutError records which invocation ran out of time. It matches ErrTimeout.
type TimeoutError struct {
	Binary  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Binary, e.Timeout)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ExitError is returned when the binary exits with a non-zero status.
// Stderr holds the tail of the process error output.
type ExitError struct {
	Binary   string
	ExitCode int
	Stderr   []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Binary, e.ExitCode)
	if detail := e.Detail(); detail != "" {
		msg += ": " + detail
	}
	return msg
}

// Detail returns the last few stderr lines joined for display.
func (e *ExitError) Detail() string {
	lines := e.Stderr
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.TrimSpace(strings.Join(lines, "; "))
}
