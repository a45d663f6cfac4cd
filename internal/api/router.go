// Package api exposes the daemon's ops surface: health and metrics probes,
// registry and runner introspection, and a manual cycle trigger.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigild/vigild/internal/auth"
	"github.com/vigild/vigild/internal/config"
	"github.com/vigild/vigild/internal/history"
	"github.com/vigild/vigild/internal/middleware"
	"github.com/vigild/vigild/internal/registry"
	"github.com/vigild/vigild/internal/runner"
)

// Deps carries the router's collaborators.
type Deps struct {
	Config   *config.Config
	Auth     *auth.Service
	Runner   *runner.Runner
	Registry *registry.Registry
	History  *history.Store // may be nil when history is disabled
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter builds the chi router for the ops API.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Logger))

	healthHandler := NewHealthHandler()
	authHandler := NewAuthHandler(d.Auth, d.Logger)
	statusHandler := NewStatusHandler(d.Config, d.Runner, d.Registry)
	toolsHandler := NewToolsHandler(d.Registry)
	runHandler := NewRunHandler(d.Runner, d.Logger)
	historyHandler := NewHistoryHandler(d.History)

	// Probes, no auth required.
	r.Get("/health", healthHandler.Health)
	r.Method("GET", "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(d.Auth))

			r.Get("/status", statusHandler.Status)
			r.Get("/tools", toolsHandler.List)
			r.Post("/run", runHandler.Trigger)
			r.Get("/history", historyHandler.Recent)
		})
	})

	return r
}
