// Package progress records conversion checkpoints on the job record and
// fans them out to live subscribers.
package progress

import (
	"time"

	"github.com/jmylchreest/mediaforge/internal/models"
)

// Checkpoints reached by every conversion. Engines report the ones in
// between (10, 20, 30, 60 and 90).
const (
	CheckpointInit     = 5
	CheckpointFinalize = 95
	CheckpointComplete = 100
)

// Event types sent to subscribers.
const (
	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeError     = "error"
	EventTypeHeartbeat = "heartbeat"
)

// Event is a point-in-time snapshot of one job's progress.
type Event struct {
	EventType string           `json:"event_type"`
	JobID     models.ULID      `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventFromJob snapshots job.
func EventFromJob(job *models.ConversionJob, message string) Event {
	ev := Event{
		EventType: EventTypeProgress,
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   message,
		Timestamp: time.Now(),
	}
	switch job.Status {
	case models.JobStatusDone:
		ev.EventType = EventTypeCompleted
	case models.JobStatusFailed:
		ev.EventType = EventTypeError
		ev.Error = job.ErrorMessage
	}
	return ev
}

// IsTerminal reports whether no further events follow for the job.
func (e Event) IsTerminal() bool {
	return e.EventType == EventTypeCompleted || e.EventType == EventTypeError
}

// Filter narrows a subscription. A nil filter matches everything.
type Filter struct {
	JobID *models.ULID
}

// Matches reports whether ev passes the filter.
func (f *Filter) Matches(ev Event) bool {
	if f == nil || f.JobID == nil {
		return true
	}
	return *f.JobID == ev.JobID
}
