// Command server starts the generation and gallery HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/lumagallery/luma/internal/adapter/httpserver"
	"github.com/lumagallery/luma/internal/adapter/progress/redishub"
	"github.com/lumagallery/luma/internal/adapter/queue/redpanda"
	"github.com/lumagallery/luma/internal/adapter/repo/postgres"
	"github.com/lumagallery/luma/internal/app"
	"github.com/lumagallery/luma/internal/config"
	"github.com/lumagallery/luma/internal/observability"
	"github.com/lumagallery/luma/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	statsRepo := postgres.NewStatsRepo(pool)
	tagRepo := postgres.NewTagRepo(pool)
	contentRepo := postgres.NewContentRepo(pool, statsRepo, postgres.PlannerConfig{
		SmallKThreshold:      cfg.PlannerSmallKThreshold,
		GroupHavingCeiling:   cfg.PlannerGroupHavingCeiling,
		DualSeedFloor:        cfg.PlannerDualSeedFloor,
		MinKForDualSeed:      cfg.PlannerMinKForDualSeed,
		SeedCandidateCap:     cfg.PlannerSeedCandidateCap,
		FallbackDefaultCount: cfg.PlannerFallbackDefaultCount,
	})

	// Job retention cleanup
	if cfg.JobRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.JobRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	// Queue producer
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	// Progress hub on Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	hub := redishub.New(rdb)

	// Usecases
	genSvc := usecase.NewGenerateService(jobRepo, producer, hub, cfg.DefaultCheckpoint, cfg.LegacyCheckpointSentinel)
	gallerySvc := usecase.NewGalleryService(contentRepo, tagRepo, cfg.DefaultPageSize, cfg.MaxPageSize)
	statsSvc := usecase.NewStatsService(statsRepo)

	// Background loops: scheduled stats refresh and the stuck-job sweeper.
	scheduler := app.NewStatsScheduler(statsSvc, cfg.StatsRefreshInterval)
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("stats scheduler failed to start", slog.Any("error", err))
		os.Exit(1)
	}
	defer scheduler.Stop()

	sweeper := app.NewStuckJobSweeper(jobRepo, cfg.MaxWait+5*time.Minute, time.Minute)
	go sweeper.Run(ctx)

	// HTTP server
	srv := httpserver.NewServer(cfg, genSvc, gallerySvc, statsSvc, hub)
	srv.DBCheck = func(ctx context.Context) error { return pool.Ping(ctx) }
	srv.RedisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	srv.BrokerCheck = producer.Ping

	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
