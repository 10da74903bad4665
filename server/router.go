package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router for the local session API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/login", a.handleLogin)
		r.Post("/admin/login", a.handleAdminLogin)
		r.Post("/logout", a.handleLogout)
		r.Get("/session", a.handleSession)
		r.Get("/roles", a.handleRoles)
		r.Post("/permissions/check", a.handlePermissionCheck)
	})

	return r
}
