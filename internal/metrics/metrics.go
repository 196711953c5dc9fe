// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors used across the service. A single instance
// is created at startup and threaded through the App.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	ProjectionTasks    *prometheus.CounterVec
	ProjectionAttempts prometheus.Histogram

	AuthValidations *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codemem_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codemem_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ProjectionTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codemem_projection_tasks_total",
			Help: "Graph projection tasks by outcome (success, retried, failed).",
		}, []string{"outcome"}),
		ProjectionAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "codemem_projection_attempts",
			Help:    "Attempts used per projection task.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7},
		}),
		AuthValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codemem_auth_validations_total",
			Help: "Token validations by audit action.",
		}, []string{"action"}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one completed request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
