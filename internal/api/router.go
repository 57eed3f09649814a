package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelrelay/modelrelay/internal/api/handlers"
	"github.com/modelrelay/modelrelay/internal/api/middleware"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/security"
)

// NewRouter creates the HTTP router: a public probe surface, the
// authenticated OpenAI-compatible /v1 API, and the admin-gated /admin
// operations plane.
func NewRouter(h *handlers.Handlers, sec *security.Manager, stats *metrics.Collector) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5, "application/json"))
	r.Use(middleware.Correlation)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info, unauthenticated
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)
	r.Method(http.MethodGet, "/metrics", stats.Handler())

	// OpenAI-compatible API
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(sec))

		r.Post("/chat/completions", h.ChatCompletions)
		r.Get("/models", h.ListModels)
	})

	// Operations plane, admin keys only
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Authenticate(sec))
		r.Use(middleware.RequireAdmin)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.AdminListAgents)
			r.Post("/refresh", h.AdminRefreshAgents)
		})
		r.Route("/upstreams", func(r chi.Router) {
			r.Get("/", h.AdminListUpstreams)
			r.Post("/refresh", h.AdminRefreshUpstreams)
		})
		r.Route("/tools", func(r chi.Router) {
			r.Get("/", h.AdminListTools)
			r.Post("/refresh", h.AdminRefreshTools)
			r.Get("/invocations", h.AdminToolInvocations)
		})
		r.Route("/security", func(r chi.Router) {
			r.Post("/refresh", h.AdminRefreshSecurity)
			r.Get("/keys", h.AdminListKeys)
			r.Post("/preview", h.AdminPreviewAccess)
			r.Route("/overrides", func(r chi.Router) {
				r.Get("/", h.AdminListOverrides)
				r.Post("/", h.AdminCreateOverride)
			})
		})
		r.Get("/diagnostics", h.AdminDiagnostics)
		r.Get("/metrics", h.AdminMetrics)
	})

	return r
}
