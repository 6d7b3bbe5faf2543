package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/users/me", s.HandleGetCurrentUser)

		// Devices
		r.Route("/devices/{serial}", func(r chi.Router) {
			r.Post("/defence", s.HandleSetDefence)
			r.Get("/commands", s.HandleListDeviceCommands)
		})

		// Audit log
		r.Route("/commands", func(r chi.Router) {
			r.Get("/", s.HandleListCommands)
			r.Get("/{id}", s.HandleGetCommand)
		})
	})
}
