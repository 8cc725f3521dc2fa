// Package server wires the handler set into an http.Server with middleware
// and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sagecore/sage/internal/config"
	"github.com/sagecore/sage/web/handlers"
)

// Server is the HTTP front of the service.
type Server struct {
	httpServer *http.Server
}

// New builds the server. WriteTimeout stays zero because the SSE and
// WebSocket endpoints hold their response open for the whole generation.
func New(cfg *config.Config, api *handlers.API) *Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = handlers.SecurityHeaders(handler)
	handler = handlers.Logging(handler)
	handler = handlers.Recovery(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       5 * time.Minute,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully with a
// 15 second drain window.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
