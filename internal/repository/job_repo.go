package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/mediaforge/internal/models"
)

// jobRepo implements ConversionJobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewConversionJobRepository creates a new ConversionJobRepository.
func NewConversionJobRepository(db *gorm.DB) *jobRepo {
	return &jobRepo{db: db}
}

// Create inserts a new job.
func (r *jobRepo) Create(ctx context.Context, job *models.ConversionJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating conversion job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id models.ULID) (*models.ConversionJob, error) {
	return r.get(r.db.WithContext(ctx), id)
}

func (r *jobRepo) get(tx *gorm.DB, id models.ULID) (*models.ConversionJob, error) {
	var job models.ConversionJob
	if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("getting conversion job: %w", err)
	}
	return &job, nil
}

// Update saves every column of job.
func (r *jobRepo) Update(ctx context.Context, job *models.ConversionJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("updating conversion job: %w", err)
	}
	return nil
}

// Start claims a queued job. The status check is part of the UPDATE so two
// workers racing on the same ID cannot both succeed.
func (r *jobRepo) Start(ctx context.Context, id models.ULID) (*models.ConversionJob, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.claim(r.db.WithContext(ctx), job); err != nil {
		return nil, err
	}
	return job, nil
}

// claim applies Start to job in memory and persists it conditionally.
func (r *jobRepo) claim(tx *gorm.DB, job *models.ConversionJob) error {
	if err := job.Start(); err != nil {
		return fmt.Errorf("%w: %s is %s", ErrJobNotQueued, job.ID, job.Status)
	}

	result := tx.Model(&models.ConversionJob{}).
		Where("id = ? AND status = ? AND revoked = ?", job.ID, models.JobStatusQueued, false).
		Updates(map[string]any{
			"status":          job.Status,
			"progress":        job.Progress,
			"started_at":      job.StartedAt,
			"completed_at":    nil,
			"next_attempt_at": nil,
			"attempts":        job.Attempts,
		})
	if result.Error != nil {
		return fmt.Errorf("starting conversion job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s was claimed elsewhere", ErrJobNotQueued, job.ID)
	}
	return nil
}

// Revoke flags a queued job.
func (r *jobRepo) Revoke(ctx context.Context, id models.ULID) (*models.ConversionJob, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := job.Revoke(); err != nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotQueued, id, job.Status)
	}

	result := r.db.WithContext(ctx).Model(&models.ConversionJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusQueued).
		Update("revoked", true)
	if result.Error != nil {
		return nil, fmt.Errorf("revoking conversion job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s started before it could be revoked", ErrJobNotQueued, id)
	}
	return job, nil
}

// AcquireNext claims the oldest eligible queued job. Row locks use SKIP
// LOCKED where the dialect supports it; the conditional claim covers SQLite.
func (r *jobRepo) AcquireNext(ctx context.Context) (*models.ConversionJob, error) {
	var job models.ConversionJob
	now := models.Now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND revoked = ?", models.JobStatusQueued, false).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Order("created_at ASC").
			First(&job).Error
		if err != nil {
			return err
		}
		return r.claim(tx, &job)
	})
	switch {
	case err == nil:
		return &job, nil
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, ErrJobNotQueued):
		return nil, nil
	default:
		return nil, fmt.Errorf("acquiring conversion job: %w", err)
	}
}

// ListQueued returns queued, non-revoked jobs oldest first.
func (r *jobRepo) ListQueued(ctx context.Context, limit int) ([]*models.ConversionJob, error) {
	var jobs []*models.ConversionJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND revoked = ?", models.JobStatusQueued, false).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("listing queued jobs: %w", err)
	}
	return jobs, nil
}

// ListRunning returns jobs in the running state oldest first.
func (r *jobRepo) ListRunning(ctx context.Context) ([]*models.ConversionJob, error) {
	var jobs []*models.ConversionJob
	err := r.db.WithContext(ctx).
		Where("status = ?", models.JobStatusRunning).
		Order("started_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("listing running jobs: %w", err)
	}
	return jobs, nil
}

// ListFinishedBefore returns finished jobs completed before the cutoff.
func (r *jobRepo) ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]*models.ConversionJob, error) {
	var jobs []*models.ConversionJob
	err := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []models.JobStatus{models.JobStatusDone, models.JobStatusFailed}, before).
		Order("completed_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("listing finished jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs in each status.
func (r *jobRepo) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.ConversionJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	counts := make(map[models.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Delete removes a job by ID.
func (r *jobRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ConversionJob{}).Error; err != nil {
		return fmt.Errorf("deleting conversion job: %w", err)
	}
	return nil
}
