package queue

import (
	"context"
	"sync"

	"github.com/cmatc13/oracled/pkg/service"
)

// WorkerService runs a Worker under the service registry.
type WorkerService struct {
	service.State
	worker *Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkerService wraps w.
func NewWorkerService(w *Worker) *WorkerService {
	return &WorkerService{worker: w}
}

// Name returns the service name
func (s *WorkerService) Name() string {
	return "chain-worker"
}

// Start launches the worker loop. It outlives ctx and runs until Stop.
func (s *WorkerService) Start(ctx context.Context) error {
	if err := s.Transition(service.StatusStarting, service.StatusStopped, service.StatusError); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.worker.Run(runCtx); err != nil {
			s.Set(service.StatusError)
		}
	}()

	s.Set(service.StatusRunning)
	return nil
}

// Stop cancels the loop and waits for the current job to finish. A job
// already popped is not cancelled.
func (s *WorkerService) Stop(ctx context.Context) error {
	s.Set(service.StatusStopping)

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.Set(service.StatusStopped)
	return nil
}

// Health checks the loop is running and Redis answers
func (s *WorkerService) Health() error {
	if err := s.Running(); err != nil {
		return err
	}
	return s.worker.queue.client.Ping(context.Background()).Err()
}

// Dependencies returns a list of services this service depends on
func (s *WorkerService) Dependencies() []string {
	return []string{}
}
