package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/firelinehq/fireline/internal/device"
	"github.com/firelinehq/fireline/internal/engine"
	"github.com/firelinehq/fireline/internal/runner"
	"github.com/firelinehq/fireline/internal/storage"
)

// Server is the Fireline HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server.
type ServerConfig struct {
	Orchestrator *runner.Orchestrator
	Engine       *engine.Engine
	Driver       device.Driver
	Idempotency  storage.IdempotencyStore
	Clock        storage.Clock
	Logger       *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	DriverName   string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Orchestrator: cfg.Orchestrator,
		Engine:       cfg.Engine,
		Driver:       cfg.Driver,
		Idempotency:  cfg.Idempotency,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		DriverName:   cfg.DriverName,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /v1/installations/{installation_id}/runs", h.HandleStartRun)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)

	// Planning and catalog.
	mux.HandleFunc("GET /v1/evaluate", h.HandleEvaluate)
	mux.HandleFunc("GET /v1/policies", h.HandlePolicies)

	// Installation status.
	mux.HandleFunc("GET /v1/installations/{installation_id}/status", h.HandleInstallationStatus)

	// Health (no envelope differences, same middleware chain).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
