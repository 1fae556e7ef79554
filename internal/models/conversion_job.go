package models

import (
	"fmt"
	"maps"
	"time"
)

// JobStatus represents the current status of a conversion job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker owns the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusDone indicates the job produced its artifact.
	JobStatusDone JobStatus = "done"
	// JobStatusFailed indicates the latest attempt failed.
	JobStatusFailed JobStatus = "failed"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 3

// Well-known metadata keys.
const (
	MetaOriginalFilename = "original_filename"
	MetaInputPath        = "input_path"
	MetaSourceURL        = "source_url"
	MetaKind             = "kind"
	MetaInputFormat      = "input_format"
	MetaOutputFormat     = "output_format"
	MetaParams           = "params"
	MetaOptions          = "options"
	MetaOutputPath       = "output_path"
	MetaOutputURL        = "output_url"
	MetaOutputSize       = "output_size"
	MetaLastMessage      = "last_message"
	MetaLastUpdated      = "last_updated"
	MetaLastAttemptError = "last_attempt_error"
	MetaInputInfo        = "input_info"
	MetaEngine           = "engine"
)

// ConversionJob is the persisted record of one conversion request.
type ConversionJob struct {
	BaseModel

	Status JobStatus `gorm:"not null;default:'queued';size:20;index" json:"status"`

	// Progress is a percentage in 0..100 and only moves forward within a run.
	Progress int `gorm:"not null;default:0" json:"progress"`

	Metadata JSONMap `gorm:"type:text" json:"metadata"`

	StartedAt   *Time `json:"started_at,omitempty"`
	CompletedAt *Time `gorm:"index" json:"completed_at,omitempty"`

	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	// Attempts counts calls to Start, so the first run is attempt 1.
	Attempts   int `gorm:"not null;default:0" json:"attempts"`
	MaxRetries int `gorm:"not null" json:"max_retries"`

	// NextAttemptAt holds back a requeued job until the retry delay elapses.
	NextAttemptAt *Time `gorm:"index" json:"next_attempt_at,omitempty"`

	// Revoked is set on a queued job that must never start.
	Revoked bool `gorm:"not null;default:false" json:"revoked"`
}

// TableName returns the table name for ConversionJob.
func (ConversionJob) TableName() string {
	return "conversion_jobs"
}

// NewConversionJob returns a queued job carrying the given metadata.
func NewConversionJob(meta JSONMap) *ConversionJob {
	if meta == nil {
		meta = JSONMap{}
	}
	return &ConversionJob{
		Status:     JobStatusQueued,
		Metadata:   meta,
		MaxRetries: DefaultMaxRetries,
	}
}

// IsFinished reports whether the job is in a terminal state.
func (j *ConversionJob) IsFinished() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// IsActive reports whether the job is queued or running.
func (j *ConversionJob) IsActive() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusRunning
}

// Duration returns the run time of the job. While running it is measured
// against the current time. The second result is false before the first start.
func (j *ConversionJob) Duration() (time.Duration, bool) {
	if j.StartedAt == nil {
		return 0, false
	}
	end := Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt), true
}

// GetMetadata returns the metadata value under key, or def when absent.
func (j *ConversionJob) GetMetadata(key string, def any) any {
	if j.Metadata == nil {
		return def
	}
	if v, ok := j.Metadata[key]; ok {
		return v
	}
	return def
}

// SetMetadata merges kv into the job metadata.
func (j *ConversionJob) SetMetadata(kv map[string]any) {
	if j.Metadata == nil {
		j.Metadata = JSONMap{}
	}
	for k, v := range kv {
		j.Metadata[k] = v
	}
}

// Start moves a queued job to running and begins a new attempt.
func (j *ConversionJob) Start() error {
	if j.Status != JobStatusQueued || j.Revoked {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, j.Status)
	}
	now := Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.CompletedAt = nil
	j.NextAttemptAt = nil
	j.Progress = 0
	j.Attempts++
	return nil
}

// UpdateProgress records a progress checkpoint. Values are clamped to 0..100
// and a checkpoint lower than the current progress keeps the current value.
func (j *ConversionJob) UpdateProgress(progress int, message string) error {
	if j.Status != JobStatusRunning {
		return fmt.Errorf("%w: progress while %s", ErrInvalidTransition, j.Status)
	}
	progress = min(max(progress, 0), 100)
	if progress > j.Progress {
		j.Progress = progress
	}
	if message != "" {
		j.SetMetadata(map[string]any{
			MetaLastMessage: message,
			MetaLastUpdated: Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// Complete marks the job done and records the artifact location.
func (j *ConversionJob) Complete(outputPath string, outputSize int64) error {
	if j.Status != JobStatusRunning && j.Status != JobStatusDone {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, j.Status)
	}
	now := Now()
	j.Status = JobStatusDone
	j.Progress = 100
	j.CompletedAt = &now
	j.ErrorMessage = ""
	j.SetMetadata(map[string]any{
		MetaOutputPath: outputPath,
		MetaOutputSize: outputSize,
	})
	return nil
}

// Fail marks the current attempt failed.
func (j *ConversionJob) Fail(message string) error {
	if j.Status != JobStatusRunning && j.Status != JobStatusFailed {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.Status)
	}
	if message == "" {
		message = "conversion failed"
	}
	now := Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = message
	return nil
}

// CanRetry reports whether another attempt is allowed after a failure.
func (j *ConversionJob) CanRetry() bool {
	return j.Status == JobStatusFailed && !j.Revoked && j.Attempts <= j.MaxRetries
}

// Requeue returns a finished job to the queue. Progress and error are reset;
// the failed attempt's error is kept in metadata for inspection.
func (j *ConversionJob) Requeue(notBefore *Time) error {
	if !j.IsFinished() {
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, j.Status)
	}
	if j.ErrorMessage != "" {
		j.SetMetadata(map[string]any{MetaLastAttemptError: j.ErrorMessage})
	}
	j.Status = JobStatusQueued
	j.Progress = 0
	j.ErrorMessage = ""
	j.CompletedAt = nil
	j.NextAttemptAt = notBefore
	j.Revoked = false
	return nil
}

// Revoke prevents a queued job from ever starting.
func (j *ConversionJob) Revoke() error {
	if j.Status != JobStatusQueued {
		return fmt.Errorf("%w: revoke from %s", ErrInvalidTransition, j.Status)
	}
	j.Revoked = true
	return nil
}

// Options returns the engine options stored in metadata.
func (j *ConversionJob) Options() map[string]string {
	out := map[string]string{}
	switch raw := j.GetMetadata(MetaOptions, nil).(type) {
	case map[string]string:
		maps.Copy(out, raw)
	case map[string]any:
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// Params decodes the conversion parameters stored in metadata.
func (j *ConversionJob) Params() (ConversionParams, error) {
	raw, ok := j.GetMetadata(MetaParams, nil).(map[string]any)
	if !ok {
		return DefaultConversionParams(), nil
	}
	return ParamsFromMap(raw)
}
