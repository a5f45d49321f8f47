package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)

			r.Post("/message", s.sendMessage)
			r.Put("/message/{messageID}", s.editMessage)
			r.Delete("/message/{messageID}", s.deleteMessage)
			r.Post("/message/{messageID}/retry", s.retryMessage)

			r.Post("/abort", s.abortSession)
			r.Post("/save", s.saveSession)

			r.Post("/grade", s.gradeSession)
			r.Post("/cards", s.generateCards)
		})
	})

	// Backend event ingestion.
	r.Route("/backend", func(r chi.Router) {
		r.Post("/event", s.backendEvent)
		r.Post("/lifecycle", s.backendLifecycle)
		r.Post("/flow/{flowID}", s.backendFlowResult)
	})

	// Event streaming (SSE). /event?sessionID=... filters to one
	// session.
	r.Get("/event", s.events)

	r.Get("/health", s.health)
}
