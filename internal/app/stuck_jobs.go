package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumagallery/luma/internal/domain"
)

// StuckJobSweeper fails jobs stranded in running or retrying by a dead
// worker, so their state and progress channels resolve eventually.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckJobSweeper constructs a sweeper. maxAge should exceed the worker's
// max_wait or healthy long jobs get swept mid-flight.
func NewStuckJobSweeper(jobs domain.JobRepository, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 20 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxAge: maxAge, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()))

	n, err := s.jobs.SweepStuck(ctx, s.maxAge)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		span.SetAttributes(attribute.Int64("jobs.swept", n))
		slog.Warn("swept stuck jobs", slog.Int64("count", n))
	}
}
