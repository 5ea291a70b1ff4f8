package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/parley-run/parley/internal/bridge"
	"github.com/parley-run/parley/internal/config"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/orchestrator"
)

// readHeaderTimeout prevents slow-header clients from pinning connections.
const readHeaderTimeout = 10 * time.Second

// Server hosts the external API adapter and the bridge surface on one
// listener.
type Server struct {
	httpServer *http.Server
}

// NewServer assembles the mux and the http.Server from cfg's timeouts.
func NewServer(orch *orchestrator.Orchestrator, mgr *bridge.Manager, cfg *config.Config) *Server {
	mux := http.NewServeMux()
	NewAPI(orch, cfg).Register(mux)
	NewBridgeSurface(mgr).Register(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       cfg.HTTPReadTimeout,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
		},
	}
}

// Handler returns the underlying handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks serving requests until Shutdown or a listener
// error.
func (s *Server) ListenAndServe() error {
	logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
