// internal/api/service.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/cmatc13/oracled/pkg/service"
)

// APIService wraps the API server as a Service
type APIService struct {
	service.State
	server *Server
	deps   []string

	mu      sync.Mutex
	serveCh chan error
}

// NewAPIService creates a new API service
func NewAPIService(server *Server, deps ...string) *APIService {
	return &APIService{server: server, deps: deps}
}

// Name returns the service name
func (s *APIService) Name() string {
	return "api"
}

// Start begins serving in the background
func (s *APIService) Start(ctx context.Context) error {
	if err := s.Transition(service.StatusStarting, service.StatusStopped, service.StatusError); err != nil {
		return err
	}

	serveCh := make(chan error, 1)
	s.mu.Lock()
	s.serveCh = serveCh
	s.mu.Unlock()

	go func() {
		err := s.server.Start()
		if err != nil {
			s.server.logger.WithError(err).Error("API server stopped unexpectedly")
			s.Set(service.StatusError)
		}
		serveCh <- err
	}()

	s.Set(service.StatusRunning)
	return nil
}

// Stop gracefully shuts down the service
func (s *APIService) Stop(ctx context.Context) error {
	s.Set(service.StatusStopping)
	if err := s.server.Shutdown(ctx); err != nil {
		s.Set(service.StatusError)
		return err
	}
	s.Set(service.StatusStopped)
	return nil
}

// Health checks the serve loop has not exited
func (s *APIService) Health() error {
	if err := s.Running(); err != nil {
		return err
	}
	s.mu.Lock()
	serveCh := s.serveCh
	s.mu.Unlock()
	select {
	case err := <-serveCh:
		serveCh <- err
		return fmt.Errorf("server exited: %v", err)
	default:
		return nil
	}
}

// Dependencies returns a list of services this service depends on
func (s *APIService) Dependencies() []string {
	return s.deps
}

// Handler returns the HTTP handler
func (s *APIService) Handler() http.Handler {
	return s.server.Handler()
}
