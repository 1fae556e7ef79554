// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/repository"
)

// TempPrefixes are the name prefixes of per-job scratch dirs and batch zips.
var TempPrefixes = []string{"job-", "batch-"}

// DefaultCleanupAge is the default maximum age for orphaned temp entries (1 hour).
const DefaultCleanupAge = 1 * time.Hour

// interruptedMessage is recorded on jobs that were running when the process died.
const interruptedMessage = "interrupted by server restart"

// CleanupOrphanedTempDirs removes scratch directories and batch files under
// baseDir that are older than maxAge. Only entries matching TempPrefixes are
// touched.
//
// Returns the number of entries removed and any error encountered.
func CleanupOrphanedTempDirs(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("temp directory does not exist, skipping cleanup",
			"path", baseDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", baseDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !hasTempPrefix(entry.Name()) {
			continue
		}

		path := filepath.Join(baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get temp entry info",
				"path", path,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent temp entry",
				"path", path,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove orphaned temp entry",
				"path", path,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned temp entry",
			"path", path,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

func hasTempPrefix(name string) bool {
	for _, prefix := range TempPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// RecoverInterruptedJobs fails every job left running by a previous process.
// Nothing can still own such a job: a worker that dies mid-conversion never
// writes the terminal state. Jobs with retries left go back to the queue and
// are returned so the caller can hand them to a scheduler.
func RecoverInterruptedJobs(ctx context.Context, logger *slog.Logger, repo repository.ConversionJobRepository) ([]*models.ConversionJob, error) {
	running, err := repo.ListRunning(ctx)
	if err != nil {
		logger.Error("failed to list running jobs for recovery",
			"error", err,
		)
		return nil, err
	}

	var requeued []*models.ConversionJob
	for _, job := range running {
		logger.Warn("recovering interrupted job",
			"job_id", job.ID.String(),
			"attempt", job.Attempts,
		)

		if err := job.Fail(interruptedMessage); err != nil {
			continue
		}
		retry := job.CanRetry()
		if retry {
			_ = job.Requeue(nil)
		}

		if err := repo.Update(ctx, job); err != nil {
			logger.Error("failed to recover interrupted job",
				"job_id", job.ID.String(),
				"error", err,
			)
			continue
		}
		if retry {
			requeued = append(requeued, job)
		}
	}

	return requeued, nil
}
