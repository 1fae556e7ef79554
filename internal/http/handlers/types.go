// Package handlers provides HTTP API handlers for mediaforge.
package handlers

import (
	"maps"
	"time"

	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

// Conversion types

// hiddenMetadata are server-side paths never returned to clients.
var hiddenMetadata = []string{models.MetaInputPath, models.MetaOutputPath}

// ConversionResponse represents a conversion job in API responses.
type ConversionResponse struct {
	ID               models.ULID      `json:"id"`
	Status           models.JobStatus `json:"status"`
	Progress         int              `json:"progress"`
	Kind             string           `json:"kind,omitempty"`
	OriginalFilename string           `json:"original_filename,omitempty"`
	OutputFormat     string           `json:"output_format,omitempty"`
	Message          string           `json:"message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	NextAttemptAt    *time.Time       `json:"next_attempt_at,omitempty"`
	Attempts         int              `json:"attempts"`
	MaxRetries       int              `json:"max_retries"`
	Revoked          bool             `json:"revoked"`
	OutputURL        string           `json:"output_url,omitempty"`
	OutputSize       int64            `json:"output_size,omitempty"`
	Error            string           `json:"error,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// ConversionFromModel converts a model to a response. The output reference
// is only set once the job is done and the error only once it failed.
func ConversionFromModel(j *models.ConversionJob) ConversionResponse {
	resp := ConversionResponse{
		ID:               j.ID,
		Status:           j.Status,
		Progress:         j.Progress,
		Kind:             j.Metadata.String(models.MetaKind, ""),
		OriginalFilename: j.Metadata.String(models.MetaOriginalFilename, ""),
		OutputFormat:     j.Metadata.String(models.MetaOutputFormat, ""),
		Message:          j.Metadata.String(models.MetaLastMessage, ""),
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		NextAttemptAt:    j.NextAttemptAt,
		Attempts:         j.Attempts,
		MaxRetries:       j.MaxRetries,
		Revoked:          j.Revoked,
	}
	switch j.Status {
	case models.JobStatusDone:
		resp.OutputURL = j.Metadata.String(models.MetaOutputURL, "")
		resp.OutputSize = j.Metadata.Int64(models.MetaOutputSize, 0)
	case models.JobStatusFailed:
		resp.Error = j.ErrorMessage
	}

	if len(j.Metadata) > 0 {
		resp.Metadata = maps.Clone(map[string]any(j.Metadata))
		for _, k := range hiddenMetadata {
			delete(resp.Metadata, k)
		}
	}
	return resp
}

// SubmitURLRequest is the request body for converting a remote file.
type SubmitURLRequest struct {
	URL    string            `json:"url" doc:"http or https URL of the input file" minLength:"1" maxLength:"4096"`
	Params map[string]string `json:"params,omitempty" doc:"Conversion parameters and engine options as flat string values"`
}

// RequeueRequest is the optional body for requeueing a job.
type RequeueRequest struct {
	DelaySeconds int `json:"delay_seconds,omitempty" doc:"Seconds to wait before the job may start" minimum:"0" maximum:"86400"`
}

// BatchRequest is the request body for a batch download.
type BatchRequest struct {
	IDs []string `json:"ids" doc:"Conversion job IDs" minItems:"1"`
}

// Engine types

// EngineResponse describes one conversion engine.
type EngineResponse struct {
	Kind         engine.Kind     `json:"kind"`
	Available    bool            `json:"available"`
	Dependencies map[string]bool `json:"dependencies"`
	Input        []string        `json:"input_formats"`
	Output       []string        `json:"output_formats"`
}

// EngineFromDescriptor converts an engine descriptor to a response.
func EngineFromDescriptor(d engine.Descriptor) EngineResponse {
	return EngineResponse{
		Kind:         d.Kind,
		Available:    d.Available,
		Dependencies: d.Dependencies,
		Input:        d.Formats.Input,
		Output:       d.Formats.Output,
	}
}

// HostStats summarises the machine conversions run on.
type HostStats struct {
	CPUCores      int                `json:"cpu_cores"`
	MemoryTotalMB float64            `json:"memory_total_mb,omitempty"`
	MemoryFreeMB  float64            `json:"memory_available_mb,omitempty"`
	OutputDisk    *storage.DiskUsage `json:"output_disk,omitempty"`
}

// EnginesResponse lists the engines and host capacity.
type EnginesResponse struct {
	Engines []EngineResponse `json:"engines"`
	Host    HostStats        `json:"host"`
}

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Database      DatabaseHealth    `json:"database"`
	Runner        *RunnerHealth     `json:"runner,omitempty"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo holds CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMB         float64 `json:"process_mb"`
	ChildProcessCount int     `json:"child_process_count"`
	ChildProcessesMB  float64 `json:"child_processes_mb"`
}

// DatabaseHealth holds database connectivity information.
type DatabaseHealth struct {
	Status            string  `json:"status"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
}

// RunnerHealth holds inline runner state.
type RunnerHealth struct {
	Running     bool `json:"running"`
	WorkerCount int  `json:"worker_count"`
	Active      int  `json:"active"`
	Pending     int  `json:"pending"`
	Delayed     int  `json:"delayed"`
}
