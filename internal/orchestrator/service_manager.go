package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultShutdownTimeout bounds graceful shutdown of the ops server.
const DefaultShutdownTimeout = 5 * time.Second

// ServiceManager manages the lifecycle of the ops HTTP server
type ServiceManager struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewServiceManager creates a manager serving handler on addr
func NewServiceManager(addr string, handler http.Handler) *ServiceManager {
	return &ServiceManager{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// Run listens on the configured address and serves until ctx is cancelled
func (sm *ServiceManager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", sm.server.Addr)
	if err != nil {
		return err
	}
	return sm.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails, then shuts
// down gracefully.
func (sm *ServiceManager) Serve(ctx context.Context, ln net.Listener) error {
	log.Info().
		Str("addr", ln.Addr().String()).
		Msg("Ops server starting")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- sm.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error().Err(err).Msg("Ops server failed")
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down ops server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()
	if err := sm.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server did not shut down cleanly")
		return err
	}

	log.Info().Msg("Ops server stopped")
	return nil
}
