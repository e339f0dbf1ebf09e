// Package service provides interfaces and utilities for managing service lifecycle.
// It defines a common Service interface that all services must implement, along with
// a registry for coordinating service startup and shutdown.
package service

import (
	"context"
	"fmt"
	"sync"
)

// Status represents the current state of a service.
type Status string

const (
	// StatusStopped indicates the service is not running.
	StatusStopped Status = "STOPPED"
	// StatusStarting indicates the service is in the process of starting.
	StatusStarting Status = "STARTING"
	// StatusRunning indicates the service is running normally.
	StatusRunning Status = "RUNNING"
	// StatusStopping indicates the service is in the process of stopping.
	StatusStopping Status = "STOPPING"
	// StatusError indicates the service encountered an error.
	StatusError Status = "ERROR"
)

// Service defines the interface that all services must implement.
type Service interface {
	// Name returns the service name.
	Name() string

	// Start initializes and starts the service.
	// It should be non-blocking and return quickly, with any long-running
	// operations started in separate goroutines.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service.
	Stop(ctx context.Context) error

	// Status returns the current service status.
	Status() Status

	// Health performs a health check and returns error if unhealthy.
	Health() error

	// Dependencies returns a list of services this service depends on.
	// The registry starts dependencies first and stops them last.
	Dependencies() []string
}

// State is an embeddable, mutex-guarded Status holder for Service implementations.
type State struct {
	mu     sync.RWMutex
	status Status
}

// Status returns the current status. The zero value reports StatusStopped.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return StatusStopped
	}
	return s.status
}

// Set replaces the current status.
func (s *State) Set(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Transition moves from one of the allowed states to next, or fails.
func (s *State) Transition(next Status, allowed ...Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.status
	if current == "" {
		current = StatusStopped
	}
	for _, a := range allowed {
		if current == a {
			s.status = next
			return nil
		}
	}
	return fmt.Errorf("cannot move service from %s to %s", current, next)
}

// Running returns an error unless the status is StatusRunning.
func (s *State) Running() error {
	if st := s.Status(); st != StatusRunning {
		return fmt.Errorf("service is not running (status: %s)", st)
	}
	return nil
}
