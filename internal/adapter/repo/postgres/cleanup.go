package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService removes terminal jobs past the retention window. Content
// rows are kept; only the job bookkeeping expires.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData deletes terminal jobs older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	tag, err := s.Pool.Exec(ctx, `DELETE FROM generation_jobs
	WHERE state IN ('completed','failed','cancelled') AND created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.old_jobs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("cleaned up old jobs", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	}
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
