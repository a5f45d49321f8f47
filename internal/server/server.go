// Package server exposes the HTTP API: session CRUD, message
// operations, backend event ingestion, and SSE fan-out.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatcore-dev/chatcore/internal/bridge"
	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/flow"
	"github.com/chatcore-dev/chatcore/internal/session"
	"github.com/chatcore-dev/chatcore/internal/storage"
)

// Config holds server configuration.
type Config struct {
	Addr                  string
	EnableCORS            bool
	ReadTimeout           time.Duration
	GradingTimeout        time.Duration
	CardGenerationTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:                  "127.0.0.1:4820",
		EnableCORS:            true,
		ReadTimeout:           30 * time.Second,
		GradingTimeout:        flow.GradingTimeout,
		CardGenerationTimeout: flow.CardGenerationTimeout,
	}
}

// Server is the HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	manager   *session.Manager
	bridge    *bridge.Bridge
	snapshots *storage.Snapshots
	bus       *event.Bus
	flows     *flow.Tracker
}

// New creates a server over an already-wired session manager and
// bridge.
func New(cfg *Config, manager *session.Manager, br *bridge.Bridge, snaps *storage.Snapshots, bus *event.Bus) *Server {
	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		manager:   manager,
		bridge:    br,
		snapshots: snaps,
		bus:       bus,
		flows:     flow.NewTracker(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.config.Addr,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// No write timeout: SSE connections stay open indefinitely.
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
