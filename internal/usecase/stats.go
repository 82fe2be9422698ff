package usecase

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
)

// StatsService orchestrates the background statistics refreshes and serves
// the unified count set. Refreshes of the same task never overlap within a
// process; concurrent invocations of one task coalesce into a no-op.
type StatsService struct {
	Stats domain.StatsRepository

	mu      sync.Mutex
	running map[string]bool
}

// NewStatsService constructs a StatsService.
func NewStatsService(stats domain.StatsRepository) *StatsService {
	return &StatsService{Stats: stats, running: make(map[string]bool)}
}

// RefreshTagCardinalities recomputes the planner's tag cardinality table.
func (s *StatsService) RefreshTagCardinalities(ctx domain.Context) (int64, error) {
	return s.refresh(ctx, "tag_cardinalities", s.Stats.RefreshTagCardinalities)
}

// RefreshGenSourceStats recomputes the per-user and community counts.
func (s *StatsService) RefreshGenSourceStats(ctx domain.Context) (int64, error) {
	return s.refresh(ctx, "gen_source", s.Stats.RefreshGenSourceStats)
}

// Unified returns the four-count set for a reader; nil userID is anonymous.
func (s *StatsService) Unified(ctx domain.Context, userID *int64) (domain.GenSourceStats, error) {
	out, err := s.Stats.UnifiedStats(ctx, userID)
	if err != nil {
		return domain.GenSourceStats{}, fmt.Errorf("op=stats.Unified: %w", err)
	}
	return out, nil
}

func (s *StatsService) refresh(ctx domain.Context, task string, fn func(domain.Context) (int64, error)) (int64, error) {
	s.mu.Lock()
	if s.running[task] {
		s.mu.Unlock()
		slog.Info("stats refresh already running, skipping", slog.String("task", task))
		return 0, nil
	}
	s.running[task] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task)
		s.mu.Unlock()
	}()

	tracer := otel.Tracer("usecase.stats")
	ctx, span := tracer.Start(ctx, "stats.Refresh."+task)
	defer span.End()

	timer := prometheus.NewTimer(observability.StatsRefreshDuration.WithLabelValues(task))
	defer timer.ObserveDuration()

	start := time.Now()
	n, err := fn(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=stats.refresh: %s: %w", task, err)
	}
	slog.Info("stats refresh finished",
		slog.String("task", task),
		slog.Int64("rows", n),
		slog.Duration("took", time.Since(start)))
	return n, nil
}
