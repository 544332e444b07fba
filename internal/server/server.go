// Package server implements the HTTP API for Salemetry.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/salemetry/salemetry/internal/export"
	"github.com/salemetry/salemetry/internal/intake"
	"github.com/salemetry/salemetry/internal/storage"
)

// Server is the Salemetry HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Exporter is optional; without it the manual export endpoint
// answers 503.
type ServerConfig struct {
	DB     *storage.DB
	Intake *intake.Service
	Logger *slog.Logger

	Exporter interface {
		Run(ctx context.Context, date time.Time) (export.Result, error)
	}

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		db:        cfg.DB,
		intake:    cfg.Intake,
		exporter:  cfg.Exporter,
		logger:    cfg.Logger,
		version:   cfg.Version,
		maxBody:   cfg.MaxRequestBodyBytes,
		startedAt: time.Now(),
	}
	if h.maxBody <= 0 {
		h.maxBody = 64 << 10
	}

	mux := http.NewServeMux()

	// Message ingestion.
	mux.HandleFunc("POST /v1/messages", h.HandleMessage)

	// Running totals for one manager's day.
	mux.HandleFunc("GET /v1/managers/{chat_id}/stats", h.HandleManagerStats)

	// Manual export trigger for operators re-running a failed night.
	mux.HandleFunc("POST /v1/export/{date}", h.HandleExportRun)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
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
