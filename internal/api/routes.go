package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(DeviceMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required when an API key is configured)
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}
			r.Route("/collections/{name}/records", func(r chi.Router) {
				r.Use(h.CollectionMiddleware)
				r.Get("/", h.ListRecords)
				r.Post("/", h.CreateRecord)
				r.Get("/{id}", h.GetRecord)
				r.Patch("/{id}", h.UpdateRecord)
				r.Delete("/{id}", h.DeleteRecord)
			})
		})
	})

	return r
}
