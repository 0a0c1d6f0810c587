// Package server exposes the memory engine's read and ingestion endpoints
// over HTTP. Routing is chi; user ids arrive pre-validated from the outer
// router, so handlers only parse and delegate to the pipeline.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mnemos/internal/config"
	"mnemos/internal/logger"
	"mnemos/internal/pipeline"
	"mnemos/internal/store"
)

// Server is the HTTP front end.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	pipeline   *pipeline.Coordinator
	store      store.Store
	config     config.Server
	log        *slog.Logger
}

// New creates an HTTP server over the given coordinator.
func New(p *pipeline.Coordinator, s store.Store, cfg config.Server) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		pipeline: p,
		store:    s,
		config:   cfg,
		log:      logger.Get(),
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv.httpServer = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s.router.Use(middleware.Timeout(timeout))

	if s.config.CORS.Enabled {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/memory-space/{userId}", func(r chi.Router) {
		r.Post("/", s.handleIngest)
		r.Get("/", s.handleListMemories)
		r.Post("/search", s.handleSearch)
		r.Get("/clusters", s.handleClusters)
		r.Post("/repair", s.handleRepair)
	})

	s.router.Route("/learning-path/{userId}", func(r chi.Router) {
		r.Get("/knowledge-graph", s.handleGraph)
		r.Get("/trajectory", s.handleTrajectory)
	})
}

// Start runs the server until Shutdown or a listen failure.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
