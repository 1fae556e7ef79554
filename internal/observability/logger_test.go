package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediaforge/internal/config"
)

func newTestLogger(level string) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLoggerWithWriter(config.LoggingConfig{Level: level, Format: "json"}, &buf), &buf
}

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, `"msg":"test message"`)
	assert.Contains(t, output, `"key":"value"`)
	assert.Contains(t, output, `"level":"INFO"`)
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "msg=\"test message\"")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"trace", LevelTrace, true},
		{"debug", LevelTrace, false},
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.configLevel+"_"+tt.logLevel.String(), func(t *testing.T) {
			logger, buf := newTestLogger(tt.configLevel)
			logger.Log(context.Background(), tt.logLevel, "test")
			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_TraceLevelName(t *testing.T) {
	logger, buf := newTestLogger("trace")
	logger.Log(context.Background(), LevelTrace, "frame")
	assert.Contains(t, buf.String(), `"level":"TRACE"`)
}

func TestNewLogger_AddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", AddSource: true}, &buf)
	logger.Info("test message")

	output := buf.String()
	assert.Contains(t, output, `"source"`)
	assert.Contains(t, output, "logger_test.go")
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", TimeFormat: "2006-01-02"}, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), `"time":"`+time.Now().Format("2006-01-02")+`"`)
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("connecting",
		slog.String("password", "hunter2"),
		slog.String("token", "abc123"),
		slog.String("signing_key", "k3y"),
		slog.String("bucket", "media"),
	)

	output := buf.String()
	assert.NotContains(t, output, "hunter2")
	assert.NotContains(t, output, "abc123")
	assert.NotContains(t, output, "k3y")
	assert.Contains(t, output, `"password":"[REDACTED]"`)
	assert.Contains(t, output, `"bucket":"media"`)
}

func TestNewLogger_RedactsInsideGroups(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("redis", slog.Group("queue", slog.String("addr", "redis:6379"), slog.String("password", "s3cr3t")))

	output := buf.String()
	assert.NotContains(t, output, "s3cr3t")
	assert.Contains(t, output, `"addr":"redis:6379"`)
}

func TestNewLogger_RedactsTaggedStructFields(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("config loaded", slog.Any("database", config.DatabaseConfig{
		Driver: "postgres",
		DSN:    "postgres://app:pw@db/mediaforge",
	}))

	output := buf.String()
	assert.NotContains(t, output, "app:pw")
	assert.Contains(t, output, "postgres")
}

func TestNewLogger_RedactsURLQueryParams(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("downloading", slog.String("url", "https://cdn.example.com/clip.mp4?token=abc123&quality=hd"))

	output := buf.String()
	assert.NotContains(t, output, "abc123")
	assert.Contains(t, output, "token=[REDACTED]")
	assert.Contains(t, output, "quality=hd")
}

func TestNewLogger_LeavesMessageAlone(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("token refreshed")
	assert.Contains(t, buf.String(), `"msg":"token refreshed"`)
}

func TestWithHelpers(t *testing.T) {
	logger, buf := newTestLogger("info")

	WithJobID(WithComponent(WithRequestID(logger, "req-123"), "pipeline"), "01JOB").Info("test")

	output := buf.String()
	assert.Contains(t, output, `"request_id":"req-123"`)
	assert.Contains(t, output, `"component":"pipeline"`)
	assert.Contains(t, output, `"job_id":"01JOB"`)
}

func TestWithError(t *testing.T) {
	logger, buf := newTestLogger("info")
	WithError(logger, errors.New("something went wrong")).Info("test")
	assert.Contains(t, buf.String(), `"error":"something went wrong"`)

	buf.Reset()
	WithError(logger, nil).Info("test")
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestContextWithLogger(t *testing.T) {
	logger, buf := newTestLogger("info")

	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	assert.NotNil(t, LoggerFromContext(context.Background()))
}

func TestContextWithRequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-789")
	assert.Equal(t, "req-789", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestDiscard(t *testing.T) {
	require.NotNil(t, Discard())
	Discard().Error("nowhere")
}

func TestTimedOperationWithError_Success(t *testing.T) {
	logger, buf := newTestLogger("info")

	var err error
	done := TimedOperationWithError(context.Background(), logger, "success_op", &err)
	done()

	output := buf.String()
	assert.Contains(t, output, "operation completed")
	assert.Contains(t, output, "success_op")
	assert.Contains(t, output, "duration")
	assert.NotContains(t, output, "operation failed")
}

func TestTimedOperationWithError_Failure(t *testing.T) {
	logger, buf := newTestLogger("info")

	var err error
	done := TimedOperationWithError(context.Background(), logger, "failure_op", &err)
	err = errors.New("disk full")
	done()

	output := buf.String()
	assert.Contains(t, output, "operation failed")
	assert.Contains(t, output, "disk full")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}
