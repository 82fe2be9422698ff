package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Total number of generation backend requests by backend and operation",
		},
		[]string{"backend", "operation", "outcome"},
	)
	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Generation backend request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"backend", "operation"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_enqueued_total",
			Help: "Total number of generation jobs enqueued",
		},
		[]string{"backend"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_jobs_processing",
			Help: "Number of generation jobs currently processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_completed_total",
			Help: "Total number of generation jobs finished, by terminal state",
		},
		[]string{"state"},
	)
	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_job_retries_total",
			Help: "Total number of backend re-submissions after transient failures",
		},
	)

	PlannerStrategyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_planner_strategy_total",
			Help: "Tag filter plans chosen, by strategy",
		},
		[]string{"strategy"},
	)
	GalleryPageDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gallery_page_duration_seconds",
			Help:    "Gallery page query duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	ProgressSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "progress_subscribers",
			Help: "Number of active progress channel subscribers",
		},
	)

	StatsRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stats_refresh_duration_seconds",
			Help:    "Statistics refresh task duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"task"},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BackendRequestsTotal,
		BackendRequestDuration,
		JobsEnqueuedTotal,
		JobsProcessing,
		JobsCompletedTotal,
		JobRetriesTotal,
		PlannerStrategyTotal,
		GalleryPageDuration,
		ProgressSubscribers,
		StatsRefreshDuration,
	)
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
