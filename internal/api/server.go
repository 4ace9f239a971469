// Package api is the HTTP boundary: campaign send endpoints, the roster
// preview, the tracking pixel, and health/transport checks.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/pkg/logger"
)

// Server wraps the router and the http.Server lifecycle.
type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	server *http.Server
}

// NewServer builds the server around wired handlers.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		cfg:    cfg,
		router: SetupRoutes(cfg, h),
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the HTTP server. Send endpoints run whole batches
// inside the request, so the write timeout has to outlast a paced batch.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	logger.Info("[api] listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
