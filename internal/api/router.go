package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/metrics"
)

// NewRouter mounts the operator surface. limiter may be nil.
func NewRouter(h *Handler, limiter Allower, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		r.Get("/integration", h.GetIntegration)
		r.Put("/integration", h.SetIntegration)

		r.Post("/content-updates", h.PublishContentUpdate)

		r.Get("/policy", h.GetPolicy)
		r.Put("/policy", h.SetPolicy)
		r.Put("/templates/{kind}", h.SetTemplate)

		r.Get("/reminders", h.ListReminders)
		r.Post("/reminders", h.ScheduleReminder)
		r.Delete("/reminders", h.CancelReminder)

		r.Post("/events", h.HandleEvent)

		r.Post("/deliveries", h.Deliver)
		r.Get("/deliveries/{id}", h.GetDelivery)
	})

	return r
}
