package coordinator

import (
	"context"

	"github.com/cmatc13/oracled/pkg/service"
)

// CoordinatorService wraps the Coordinator as a Service
type CoordinatorService struct {
	service.State
	coordinator *Coordinator
	deps        []string
}

// NewCoordinatorService creates a new coordinator service. deps name the
// services it must start after, such as the queue worker.
func NewCoordinatorService(c *Coordinator, deps ...string) *CoordinatorService {
	return &CoordinatorService{coordinator: c, deps: deps}
}

// Name returns the service name
func (s *CoordinatorService) Name() string {
	return "coordinator"
}

// Start initializes and starts the service
func (s *CoordinatorService) Start(ctx context.Context) error {
	if err := s.Transition(service.StatusStarting, service.StatusStopped); err != nil {
		return err
	}
	if err := s.coordinator.Start(ctx); err != nil {
		s.Set(service.StatusError)
		return err
	}
	s.Set(service.StatusRunning)
	return nil
}

// Stop fails queued submissions and waits for the running one
func (s *CoordinatorService) Stop(ctx context.Context) error {
	s.Set(service.StatusStopping)
	if err := s.coordinator.Stop(ctx); err != nil {
		s.Set(service.StatusError)
		return err
	}
	s.Set(service.StatusStopped)
	return nil
}

// Health reports whether the service is running. A coordinator without a
// signing identity is healthy but not ready.
func (s *CoordinatorService) Health() error {
	return s.Running()
}

// Dependencies returns a list of services this service depends on
func (s *CoordinatorService) Dependencies() []string {
	return s.deps
}
