// Package health provides health check capabilities for the application.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/oracled/pkg/logging"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "UP"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "DOWN"
	// StatusUnknown indicates the component's health is unknown.
	StatusUnknown Status = "UNKNOWN"
)

// Check represents a health check for a component.
type Check struct {
	// Name is the name of the component being checked.
	Name string
	// Status is the health status of the component.
	Status Status
	// Message is an optional message providing more details about the health status.
	Message string
	// LastChecked is the time when the component was last checked.
	LastChecked time.Time
	// Error is an optional error that occurred during the health check.
	Error error
}

// MarshalJSON implements the json.Marshaler interface.
func (c Check) MarshalJSON() ([]byte, error) {
	var errorStr string
	if c.Error != nil {
		errorStr = c.Error.Error()
	}

	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		Error       string    `json:"error,omitempty"`
	}{
		Name:        c.Name,
		Status:      c.Status,
		Message:     c.Message,
		LastChecked: c.LastChecked,
		Error:       errorStr,
	})
}

// Checker defines a function that performs a health check.
type Checker func(ctx context.Context) Check

// Registry manages health checks for the application.
type Registry struct {
	checks map[string]Checker
	mutex  sync.RWMutex
	logger *logging.Logger
}

// NewRegistry creates a new health check registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		checks: make(map[string]Checker),
		logger: logger,
	}
}

// Register adds a health check to the registry.
func (r *Registry) Register(name string, checker Checker) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.checks[name] = checker
	r.logger.Info("Registered health check", "name", name)
}

// Unregister removes a health check from the registry.
func (r *Registry) Unregister(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.checks, name)
	r.logger.Info("Unregistered health check", "name", name)
}

// Names returns the registered check names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks runs all registered health checks.
func (r *Registry) RunChecks(ctx context.Context) map[string]Check {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]Check)
	for name, checker := range r.checks {
		r.logger.Debug("Running health check", "name", name)
		results[name] = checker(ctx)
	}

	return results
}

// IsHealthy returns true if all health checks are passing.
func (r *Registry) IsHealthy(ctx context.Context) bool {
	checks := r.RunChecks(ctx)
	for _, check := range checks {
		if check.Status != StatusUp {
			return false
		}
	}
	return true
}

// Handler returns an HTTP handler for health checks.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		checks := r.RunChecks(ctx)

		// Determine overall status
		status := StatusUp
		for _, check := range checks {
			if check.Status == StatusDown {
				status = StatusDown
				break
			} else if check.Status == StatusUnknown && status != StatusDown {
				status = StatusUnknown
			}
		}

		code := http.StatusOK
		if status == StatusDown {
			code = http.StatusServiceUnavailable
		}

		// Build response
		response := struct {
			Status    Status           `json:"status"`
			Timestamp time.Time        `json:"timestamp"`
			Checks    map[string]Check `json:"checks"`
		}{
			Status:    status,
			Timestamp: time.Now(),
			Checks:    checks,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			r.logger.Error("Failed to encode health check response", "error", err)
		}
	})
}

// probe runs fn and turns its error into a Check named name. target describes what was probed.
func probe(ctx context.Context, name, target string, fn func(ctx context.Context) error) Check {
	check := Check{
		Name:        name,
		Status:      StatusUnknown,
		LastChecked: time.Now(),
	}

	if err := fn(ctx); err != nil {
		check.Status = StatusDown
		check.Error = err
		check.Message = fmt.Sprintf("%s is unhealthy: %v", target, err)
	} else {
		check.Status = StatusUp
		check.Message = fmt.Sprintf("%s is healthy", target)
	}

	return check
}

// ServiceChecker creates a health check for a service.
func ServiceChecker(serviceName string, checkFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, serviceName, "Service "+serviceName, checkFn)
	}
}

// RedisChecker creates a health check for Redis.
func RedisChecker(redisAddr string, pingFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, "redis", "Redis at "+redisAddr, pingFn)
	}
}

// KafkaChecker creates a health check for Kafka.
func KafkaChecker(kafkaBrokers string, checkFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, "kafka", "Kafka at "+kafkaBrokers, checkFn)
	}
}

// ChainChecker creates a health check for the JSON-RPC node. chainIDFn should
// make one round trip, such as eth_chainId.
func ChainChecker(rpcURL string, chainIDFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, "chain", "Node at "+redactURL(rpcURL), chainIDFn)
	}
}

// SignerChecker reports whether a signing identity is configured. A missing
// signer is reported as UNKNOWN rather than DOWN: the service still answers
// reads and best-effort registrations while unconfigured.
func SignerChecker(address string, configured bool) Checker {
	return func(ctx context.Context) Check {
		check := Check{
			Name:        "signer",
			Status:      StatusUp,
			LastChecked: time.Now(),
			Message:     fmt.Sprintf("Signing as %s", address),
		}
		if !configured {
			check.Status = StatusUnknown
			check.Message = "No signing identity configured"
		}
		return check
	}
}

// DependencyChecker creates a health check for a dependency.
func DependencyChecker(dependencyName string, checkFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, dependencyName, "Dependency "+dependencyName, checkFn)
	}
}

// redactURL drops user info and query strings, which commonly carry RPC API keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "configured endpoint"
	}
	return u.Scheme + "://" + u.Host
}
