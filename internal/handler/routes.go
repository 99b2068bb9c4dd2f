package handler

import (
	"github.com/go-chi/chi/v5"

	"github.com/rentgrid/backend/internal/auth"
)

// Handlers groups the API handlers mounted under /api/v1.
type Handlers struct {
	Bookings  *BookingHandler
	Alerts    *AlertHandler
	Resources *ResourceHandler
}

// Mount registers the authenticated API routes on r.
func (h Handlers) Mount(r chi.Router, jwtMgr *auth.JWTManager) {
	adminOnly := auth.RequireRole(auth.RoleAdmin)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwtMgr))

		// Bookings
		r.Post("/bookings", h.Bookings.Create)
		r.Get("/bookings", h.Bookings.List)
		r.With(adminOnly).Get("/bookings/active", h.Bookings.ListActive)
		r.With(adminOnly).Get("/bookings/expired", h.Bookings.ListExpired)
		r.With(adminOnly).Get("/bookings/analytics", h.Bookings.Analytics)
		r.Get("/bookings/{id}", h.Bookings.GetByID)
		r.Patch("/bookings/{id}", h.Bookings.Update)
		r.With(adminOnly).Delete("/bookings/{id}", h.Bookings.Delete)
		r.Put("/bookings/{id}/status", h.Bookings.UpdateStatus)
		r.Put("/bookings/{id}/metrics", h.Bookings.UpdateMetrics)
		r.Post("/bookings/{id}/reviews", h.Bookings.AddReview)
		r.Post("/bookings/{id}/cancel", h.Bookings.Cancel)
		r.Post("/bookings/{id}/complete", h.Bookings.Complete)
		r.Put("/bookings/{id}/dispute", h.Bookings.SetDisputed)

		// Alerts
		r.Get("/alerts", h.Alerts.List)
		r.With(adminOnly).Post("/alerts", h.Alerts.Raise)
		r.Post("/alerts/{id}/resolve", h.Alerts.Resolve)

		// Resources
		r.Get("/resources/{id}/health", h.Resources.Health)
		r.Get("/resources/{id}/metrics", h.Resources.Metrics)
		r.With(adminOnly).Post("/resources/{id}/metrics", h.Resources.Ingest)
	})
}
