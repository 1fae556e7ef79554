package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
)

// ErrInsufficientSpace is returned when a volume is below its free space floor.
var ErrInsufficientSpace = errors.New("insufficient free disk space")

// DiskUsage reports the volume holding path.
type DiskUsage struct {
	Path        string  `json:"path" yaml:"path"`
	Total       uint64  `json:"total_bytes" yaml:"total_bytes"`
	Free        uint64  `json:"free_bytes" yaml:"free_bytes"`
	UsedPercent float64 `json:"used_percent" yaml:"used_percent"`
}

// Usage returns disk usage for the volume holding path.
func Usage(ctx context.Context, path string) (DiskUsage, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return DiskUsage{
		Path:        path,
		Total:       stat.Total,
		Free:        stat.Free,
		UsedPercent: stat.UsedPercent,
	}, nil
}

// EnsureFreeSpace fails with ErrInsufficientSpace when the volume holding
// path has less than minFree bytes available. A zero floor disables the
// check, and a volume that cannot be inspected is not treated as full.
func EnsureFreeSpace(ctx context.Context, path string, minFree int64) error {
	if minFree <= 0 {
		return nil
	}
	usage, err := Usage(ctx, path)
	if err != nil {
		return nil
	}
	if usage.Free < uint64(minFree) {
		return fmt.Errorf("%w: %s free on %s, need %s", ErrInsufficientSpace,
			humanize.IBytes(usage.Free), path, humanize.IBytes(uint64(minFree)))
	}
	return nil
}
