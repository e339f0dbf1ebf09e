// Package metrics provides metrics collection capabilities for the application.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Common metrics
	RequestCount       *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestInFlight    *prometheus.GaugeVec
	ErrorCount         *prometheus.CounterVec
	ServiceUptime      prometheus.Gauge
	ServiceLastStarted prometheus.Gauge
	DependencyUp       *prometheus.GaugeVec
	DependencyLatency  *prometheus.HistogramVec

	// Submission metrics
	SubmissionCount    *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec

	// Nonce metrics
	NonceReservations *prometheus.CounterVec
	NonceRetries      prometheus.Counter

	// Queue metrics
	QueueDepth prometheus.Gauge
	QueueJobs  *prometheus.CounterVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for the common metrics.
	Subsystem string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "oracled",
		ServiceName: "oracled",
	}
}

// New creates a new metrics collector with the given configuration.
// Every call uses its own registry, so tests may create as many as they like.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
			[]string{"service"},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type", "code"},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   cfg.Namespace,
				Subsystem:   cfg.Subsystem,
				Name:        "service_uptime_seconds",
				Help:        "Service uptime in seconds",
				ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   cfg.Namespace,
				Subsystem:   cfg.Subsystem,
				Name:        "service_last_started_timestamp",
				Help:        "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
			},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"service", "dependency"},
		),

		DependencyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_latency_seconds",
				Help:      "Dependency request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "dependency", "operation"},
		),

		SubmissionCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "submissions_total",
				Help:      "Total number of chain submissions by kind and terminal status",
			},
			[]string{"kind", "status"},
		),

		SubmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "submission_duration_seconds",
				Help:      "Time from submission to receipt or failure",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"kind"},
		),

		NonceReservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "nonce_reservations_total",
				Help:      "Total number of nonces reserved",
			},
			[]string{"mode"},
		),

		NonceRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "nonce_retries_total",
				Help:      "Total number of submissions retried after a nonce conflict",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "queue_depth",
				Help:      "Number of jobs waiting in the distributed submission queue",
			},
		),

		QueueJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "queue_jobs_total",
				Help:      "Total number of queue jobs processed by name and status",
			},
			[]string{"name", "status"},
		),
	}

	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(service, errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// RecordDependencyLatency records the latency of a dependency operation.
func (m *Metrics) RecordDependencyLatency(service, dependency, operation string, duration time.Duration) {
	m.DependencyLatency.WithLabelValues(service, dependency, operation).Observe(duration.Seconds())
}

// RecordSubmission records the terminal status of one chain submission.
func (m *Metrics) RecordSubmission(kind, status string, duration time.Duration) {
	m.SubmissionCount.WithLabelValues(kind, status).Inc()
	m.SubmissionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordNonceReservation counts one reserved nonce.
func (m *Metrics) RecordNonceReservation(mode string) {
	m.NonceReservations.WithLabelValues(mode).Inc()
}

// RecordNonceRetry counts one retry after a nonce-class failure.
func (m *Metrics) RecordNonceRetry() {
	m.NonceRetries.Inc()
}

// RecordQueueDepth records the number of waiting jobs.
func (m *Metrics) RecordQueueDepth(depth int64) {
	m.QueueDepth.Set(float64(depth))
}

// RecordQueueJob records a processed queue job.
func (m *Metrics) RecordQueueJob(name, status string) {
	m.QueueJobs.WithLabelValues(name, status).Inc()
}
