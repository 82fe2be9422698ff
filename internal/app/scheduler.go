package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lumagallery/luma/internal/usecase"
)

// StatsScheduler refreshes the statistics tables on a fixed cadence. The
// per-task locks in StatsService keep a slow refresh from overlapping the
// next tick.
type StatsScheduler struct {
	stats    *usecase.StatsService
	interval time.Duration
	cron     *cron.Cron
}

// NewStatsScheduler constructs a scheduler; interval defaults to one hour.
func NewStatsScheduler(stats *usecase.StatsService, interval time.Duration) *StatsScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &StatsScheduler{stats: stats, interval: interval, cron: cron.New()}
}

// Start registers the jobs and starts the cron loop.
func (s *StatsScheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.refreshAll(ctx) }); err != nil {
		return fmt.Errorf("op=scheduler.Start: %w", err)
	}
	s.cron.Start()
	slog.Info("stats scheduler started", slog.Duration("interval", s.interval))

	// Warm the tables once at startup so the planner has cardinalities
	// before the first tick.
	go s.refreshAll(ctx)
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *StatsScheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	slog.Info("stats scheduler stopped")
}

func (s *StatsScheduler) refreshAll(ctx context.Context) {
	if _, err := s.stats.RefreshTagCardinalities(ctx); err != nil {
		slog.Error("tag cardinality refresh failed", slog.Any("error", err))
	}
	if _, err := s.stats.RefreshGenSourceStats(ctx); err != nil {
		slog.Error("gen source stats refresh failed", slog.Any("error", err))
	}
}
