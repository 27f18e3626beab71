// internal/api/service.go
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/service"
)

// APIService wraps the API server as a Service
type APIService struct {
	service.StatusHolder

	server       *Server
	logger       *logging.Logger
	dependencies []string

	errCh      chan error
	uptimeDone chan struct{}
}

var _ service.Service = (*APIService)(nil)

// NewAPIService creates a new API service that starts after dependencies.
func NewAPIService(server *Server, dependencies ...string) *APIService {
	return &APIService{
		server:       server,
		logger:       server.logger,
		dependencies: dependencies,
	}
}

// Name returns the service name
func (s *APIService) Name() string {
	return serviceName
}

// Start launches the HTTP server in the background.
func (s *APIService) Start(ctx context.Context) error {
	s.SetStatus(service.StatusStarting)
	s.logger.Info("Starting API service")

	s.server.metricsCollector.ServiceLastStarted.Set(float64(time.Now().Unix()))
	s.uptimeDone = make(chan struct{})
	s.server.metricsCollector.RecordUptime(s.uptimeDone)

	s.SetStatus(service.StatusRunning)

	errCh := make(chan error, 1)
	s.errCh = errCh
	go func() {
		if err := s.server.Start(); err != nil {
			s.logger.WithError(err).Error("API server stopped unexpectedly")
			s.SetStatus(service.StatusError)
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("API service started successfully")
	return nil
}

// Stop gracefully shuts down the service
func (s *APIService) Stop(ctx context.Context) error {
	s.SetStatus(service.StatusStopping)
	s.logger.Info("Stopping API service")

	if s.uptimeDone != nil {
		close(s.uptimeDone)
		s.uptimeDone = nil
	}
	err := s.server.Shutdown(ctx)

	s.SetStatus(service.StatusStopped)
	s.logger.Info("API service stopped successfully")
	return err
}

// Health reports whether the HTTP server is serving.
func (s *APIService) Health() error {
	if status := s.Status(); status != service.StatusRunning {
		return fmt.Errorf("%w: %s", errors.ErrUnavailable, status)
	}
	return nil
}

// Dependencies returns a list of services this service depends on
func (s *APIService) Dependencies() []string {
	return s.dependencies
}

// Errors yields the error that ended the server, if any, and is closed when
// the server returns.
func (s *APIService) Errors() <-chan error {
	return s.errCh
}
