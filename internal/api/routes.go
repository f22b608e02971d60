package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/dispatch/internal/observability"
)

// Routes builds the chi router for the full HTTP surface.
func (h *Handler) Routes(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(observability.RequestIDMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Get("/{id}", h.GetTask)
	})

	r.Route("/admin/ratelimit", func(r chi.Router) {
		r.Get("/top", h.TopTenants)
		r.Get("/{tenant}", h.GetRateLimit)
		r.Put("/{tenant}", h.SetRateLimit)
	})

	r.Get("/healthz", h.Healthz)
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Handle(metricsPath, promhttp.Handler())

	return r
}
