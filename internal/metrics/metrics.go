// Package metrics exposes the bridge's own Prometheus collectors. They live on
// a dedicated registry so they never collide with bridged stat names.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics holds the self-observability collectors.
type Metrics struct {
	reg *prometheus.Registry

	statUpdatesTotal           *prometheus.CounterVec
	typeConflictsTotal         *prometheus.CounterVec
	pushesTotal                *prometheus.CounterVec
	pushDurationSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// Option configures Metrics.
type Option func(*options)

type options struct {
	runtime bool
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(o *options) {
		o.runtime = true
	}
}

// New registers the collectors on a fresh registry.
func New(opts ...Option) *Metrics {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	if o.runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		statUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statsbridge_stat_updates_total",
				Help: "Stat updates mirrored into metrics, labeled by operation and result.",
			},
			[]string{"op", "result"},
		),
		typeConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statsbridge_type_conflicts_total",
				Help: "Updates whose metric name was already bound to another kind.",
			},
			[]string{"op"},
		),
		pushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statsbridge_pushes_total",
				Help: "Pushes to the gateway, labeled by method and result.",
			},
			[]string{"method", "result"},
		),
		pushDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statsbridge_push_duration_seconds",
				Help:    "Histogram of push latencies, labeled by method.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statsbridge_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statsbridge_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
	}
}

// Gatherer returns the registry holding the self metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

// ObserveUpdate records the outcome of a mirrored stat update.
func (m *Metrics) ObserveUpdate(op stats.Op, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
		if errors.Is(err, stats.ErrTypeConflict) {
			m.typeConflictsTotal.WithLabelValues(string(op)).Inc()
		}
	}
	m.statUpdatesTotal.WithLabelValues(string(op), result).Inc()
}

// ObserveSkipped records an update dropped by a suppressed type conflict.
func (m *Metrics) ObserveSkipped(op stats.Op) {
	m.typeConflictsTotal.WithLabelValues(string(op)).Inc()
	m.statUpdatesTotal.WithLabelValues(string(op), ResultSkipped).Inc()
}

// ObservePush records one push attempt.
func (m *Metrics) ObservePush(method string, duration time.Duration, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.pushesTotal.WithLabelValues(method, result).Inc()
	m.pushDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
