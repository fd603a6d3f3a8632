// Package api assembles the HTTP router: middleware stack, the
// OpenAI-compatible surface, the management API, and the operational
// endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waddleai/waddleai/internal/api/handlers"
	"github.com/waddleai/waddleai/internal/api/middleware"
	"github.com/waddleai/waddleai/internal/config"
	"github.com/waddleai/waddleai/internal/metrics"
	"github.com/waddleai/waddleai/internal/rbac"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *rbac.Authenticator, m *metrics.Metrics, promReg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Observe(m))
	r.Use(middleware.NewAuth(auth, m).Handler)
	r.Use(middleware.Telemetry)

	// Operational endpoints
	r.Get("/healthz", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	// OpenAI-compatible surface
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", h.Login)
		r.Post("/chat/completions", h.ChatCompletions)
		r.Get("/models", h.ListModels)

		r.Route("/keys", func(r chi.Router) {
			r.Post("/", h.CreateKey)
			r.Delete("/{keyID}", h.RevokeKey)
		})
	})

	// Management API
	r.Route("/api", func(r chi.Router) {
		r.Get("/usage", h.GetUsage)
		r.Get("/quota", h.GetQuota)
		r.Route("/routing", func(r chi.Router) {
			r.Get("/stats", h.RoutingStats)
			r.Post("/strategy", h.SetRoutingStrategy)
		})
		r.Get("/security/stats", h.SecurityStats)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("healthy"))
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "waddleai-proxy",
		})
	}
}
