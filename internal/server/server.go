// Package server provides the operational HTTP surface: health probes,
// version, ingestion status, on-demand sync, and stored post reads.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/server/handlers"
	servermw "github.com/pulsefeed/pulsefeed/internal/server/middleware"
)

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *zap.Logger
	cfg    config.ServerConfig
}

// Options carries the handler dependencies.
type Options struct {
	Config  config.ServerConfig
	Logger  *zap.Logger
	Health  *handlers.HealthManager
	Ingest  *handlers.Ingest
	Version string
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	r := chi.NewRouter()

	// Middleware order: correlation id first, then logging, recovery outermost.
	r.Use(middleware.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestLogger(opts.Logger))
	r.Use(servermw.Recovery(opts.Logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSONError(w, http.StatusNotFound, `{"error":{"code":"NOT_FOUND","message":"resource not found"}}`)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, `{"error":{"code":"METHOD_NOT_ALLOWED","message":"method not allowed"}}`)
	})

	s := &Server{
		router: r,
		logger: opts.Logger,
		cfg:    opts.Config,
	}
	s.registerRoutes(opts)
	return s
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := s.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if s.logger != nil {
		s.logger.Info("starting http server", zap.String("addr", addr))
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("shutting down http server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSONError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
