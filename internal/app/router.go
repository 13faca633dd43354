// Package app assembles the HTTP surface from config and adapters.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codrlabs/codr/internal/adapter/httpserver"
	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/adapter/streaming"
	"github.com/codrlabs/codr/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means any origin.
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

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, stream *streaming.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.Origins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// API endpoints share the key check plus the broker-backed limits.
	// The request timeout stays off the stream route, which is long-lived.
	r.Route("/api", func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		api.Use(srv.RequireAPIKey)
		api.Use(srv.RateLimit)
		api.Post("/submit_code", srv.SubmitCodeHandler())
		api.Get("/get_result/{job_id}", srv.GetResultHandler())
		api.Post("/ws-token", srv.WSTokenHandler())
		api.Get("/health", srv.HealthHandler())
		api.Get("/cache/stats", srv.CacheStatsHandler())
		api.Delete("/cache/{job_id}", srv.CacheClearHandler())
	})

	// Stream handshakes are token-authenticated, not key-authenticated, so
	// they get their own per-IP handshake budget.
	r.Group(func(ws chi.Router) {
		ws.Use(httprate.LimitByIP(cfg.StreamHandshakesPerMin, time.Minute))
		ws.Get("/ws/jobs/{job_id}", stream.ServeHTTP)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return httpserver.SecurityHeaders(r)
}
