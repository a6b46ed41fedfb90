package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rideloka/geocell/internal/pkg/logger"
)

// GracefulServer wraps the agent's debug/health Echo server with graceful
// shutdown handling.
type GracefulServer struct {
	echo            *echo.Echo
	log             *logger.AppLogger
	port            int
	shutdownTimeout time.Duration
}

// NewGracefulServer creates a server listening on the given port.
func NewGracefulServer(e *echo.Echo, appLogger *logger.AppLogger, port int, shutdownTimeout time.Duration) *GracefulServer {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &GracefulServer{
		echo:            e,
		log:             appLogger,
		port:            port,
		shutdownTimeout: shutdownTimeout,
	}
}

// Start serves until SIGINT or SIGTERM arrives, then shuts down gracefully.
func (s *GracefulServer) Start() error {
	go func() {
		addr := fmt.Sprintf(":%d", s.port)
		s.log.WithField("address", addr).Info("Starting HTTP server")

		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	// SIGTERM from the orchestrator, SIGINT from a terminal.
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	sig := <-quit
	s.log.WithField("signal", sig.String()).Info("Received shutdown signal")

	return s.Shutdown()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *GracefulServer) Shutdown() error {
	s.log.Info("Shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("Server forced to shutdown")
		return err
	}

	s.log.Info("Server shutdown completed")
	return nil
}

// ShutdownManager collects cleanup functions to run during shutdown:
// heartbeat stop, subscription disposal, store and broker close.
type ShutdownManager struct {
	log       *logger.AppLogger
	functions []func(context.Context) error
}

// NewShutdownManager creates an empty shutdown manager.
func NewShutdownManager(appLogger *logger.AppLogger) *ShutdownManager {
	return &ShutdownManager{
		log:       appLogger,
		functions: make([]func(context.Context) error, 0),
	}
}

// Register adds a cleanup function. Functions run in registration order.
func (sm *ShutdownManager) Register(fn func(context.Context) error) {
	sm.functions = append(sm.functions, fn)
}

// Shutdown executes all registered cleanup functions, continuing past
// individual failures.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.log.WithField("components", len(sm.functions)).Info("Starting graceful shutdown of components")

	for i, fn := range sm.functions {
		if err := fn(ctx); err != nil {
			sm.log.WithError(err).WithField("component", i).Error("Error during component shutdown")
		}
	}

	sm.log.Info("All components shutdown completed")
	return nil
}
