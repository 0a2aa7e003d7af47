package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/login", h.LoginHandler)
		r.Get("/health", h.HealthHandler)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)

			r.Post("/query", h.QueryHandler)
			r.Get("/history", h.HistoryHandler)

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(h.AdminOnlyMiddleware)

				r.Post("/admin/users", h.AddUserHandler)
				r.Delete("/admin/users/{username}", h.RemoveUserHandler)
				r.Post("/admin/documents", h.UploadDocumentHandler)
				r.Delete("/admin/documents/{document}", h.RemoveDocumentHandler)
				r.Get("/admin/stats", h.StatsHandler)
			})
		})
	})

	return r
}
