// Package app wires the HTTP router and the background loops shared by the
// server and worker binaries.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/lumagallery/luma/internal/adapter/httpserver"
	"github.com/lumagallery/luma/internal/config"
	"github.com/lumagallery/luma/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces; empty
// input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited and bounded by the write timeout.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
		wr.Post("/generation-jobs", srv.SubmitJobHandler())
		wr.Delete("/generation-jobs/{id}", srv.CancelJobHandler())
	})

	// Read endpoints.
	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
		rr.Get("/generation-jobs/{id}", srv.GetJobHandler())
		rr.Get("/content", srv.ContentHandler())
		rr.Get("/content/stats/unified", srv.UnifiedStatsHandler())
	})

	// SSE progress must not sit behind the timeout handler.
	r.Get("/generation-jobs/{id}/progress", srv.ProgressHandler())

	r.Get("/healthz", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
