// Package api provides HTTP handlers and routing for the conveyor daemon.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyorci/conveyor/internal/auth"
)

// Server holds the HTTP handlers and routing.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// ServerConfig holds optional middleware wiring for the server.
type ServerConfig struct {
	// Auth guards the API routes when set.
	Auth *auth.Middleware

	// WebhookLimiter rate-limits the event ingestion endpoint per client IP.
	WebhookLimiter *auth.PerIPRateLimiter

	// GlobalLimiter rate-limits the whole API surface.
	GlobalLimiter *auth.RateLimiter
}

// NewServer creates an API server with the given handlers.
func NewServer(h *Handlers, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(cfg)
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(cfg *ServerConfig) {
	// Health and metrics endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Event ingestion (webhooks)
	ingest := api.PathPrefix("/events").Subrouter()
	ingest.HandleFunc("", s.handlers.SubmitEvent).Methods("POST")
	if cfg.WebhookLimiter != nil {
		ingest.Use(cfg.WebhookLimiter.Handler)
	}

	// Pipelines
	api.HandleFunc("/pipelines", s.handlers.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/{name}", s.handlers.GetPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{name}/dispatch", s.handlers.DispatchPipeline).Methods("POST")

	// Runs
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if cfg.GlobalLimiter != nil {
		s.router.Use(cfg.GlobalLimiter.Handler)
	}
	if cfg.Auth != nil {
		s.router.Use(cfg.Auth.Handler)
	}
}
