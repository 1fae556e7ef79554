// Package repository defines data access for conversion jobs. All database
// access goes through these interfaces.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/mediaforge/internal/models"
)

var (
	// ErrJobNotFound indicates no job exists with the requested ID.
	ErrJobNotFound = errors.New("conversion job not found")

	// ErrJobNotQueued indicates a conditional claim or revoke lost because
	// the job was no longer queued.
	ErrJobNotQueued = errors.New("conversion job is not queued")
)

// ConversionJobRepository defines operations for conversion job persistence.
type ConversionJobRepository interface {
	// Create inserts a new job.
	Create(ctx context.Context, job *models.ConversionJob) error
	// GetByID retrieves a job, returning ErrJobNotFound when absent.
	GetByID(ctx context.Context, id models.ULID) (*models.ConversionJob, error)
	// Update saves every column of job.
	Update(ctx context.Context, job *models.ConversionJob) error
	// Start claims a queued, non-revoked job and moves it to running. Only
	// one caller can win; the others get ErrJobNotQueued.
	Start(ctx context.Context, id models.ULID) (*models.ConversionJob, error)
	// Revoke flags a queued job so no worker starts it.
	Revoke(ctx context.Context, id models.ULID) (*models.ConversionJob, error)
	// AcquireNext claims the oldest queued job whose retry delay has elapsed.
	// It returns nil, nil when nothing is eligible.
	AcquireNext(ctx context.Context) (*models.ConversionJob, error)
	// ListQueued returns queued, non-revoked jobs oldest first.
	ListQueued(ctx context.Context, limit int) ([]*models.ConversionJob, error)
	// ListRunning returns every running job.
	ListRunning(ctx context.Context) ([]*models.ConversionJob, error)
	// ListFinishedBefore returns done or failed jobs completed before the cutoff.
	ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]*models.ConversionJob, error)
	// CountByStatus returns the number of jobs in each status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	// Delete removes a job by ID.
	Delete(ctx context.Context, id models.ULID) error
}
