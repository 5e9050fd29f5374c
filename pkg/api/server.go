// Package api serves the HTTP ingress for the near-line store. It
// accepts archive and retrieval transactions, which it publishes to the
// orchestrator queue, and answers catalog and monitoring queries with a
// blocking RPC round trip over the message bus.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// Server is the ingress HTTP server. It supports graceful shutdown and
// is safe to stop concurrently with Start.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates the ingress server. Defaults are applied here so a
// Server built directly in tests behaves the same as one built from a
// loaded configuration. Call Start to begin serving.
func NewServer(bus rabbit.Bus, config Config) *Server {
	config.ApplyDefaults()

	router := NewRouter(NewHandler(bus, config), config.RequestTimeout)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
	}
}

// Start serves requests until the context is cancelled or the listener
// fails. Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "port", s.config.Port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// A fresh context: the cancelled one would abort the drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop drains in-flight requests and closes the listener. Safe to call
// more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.Err(err))
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.config.Port
}
