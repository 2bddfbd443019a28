// Package metrics exposes Prometheus telemetry for transitions and external
// tool invocations.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "astropropose"

// Collector owns a private registry so tests and multiple servers in one
// process never collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	toolAttempts       *prometheus.CounterVec
	toolInvocations    *prometheus.CounterVec
	toolLatency        *prometheus.HistogramVec
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
}

// NewCollector creates a collector. An empty namespace uses DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.toolAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "attempts_total",
			Help:      "HTTP attempts against external tools by response status code (0 = transport error)",
		},
		[]string{"tool", "operation", "code"},
	)

	c.toolInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "invocations_total",
			Help:      "Completed tool operation invocations by outcome",
		},
		[]string{"tool", "operation", "outcome"},
	)

	c.toolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of a tool invocation including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"tool", "operation"},
	)

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Transition attempts by action and outcome (success or error code)",
		},
		[]string{"action", "outcome"},
	)

	c.transitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transition_duration_seconds",
			Help:      "Time to execute a transition, effects included",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"action"},
	)

	c.registry.MustRegister(
		c.toolAttempts,
		c.toolInvocations,
		c.toolLatency,
		c.transitions,
		c.transitionDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveAttempt records one HTTP attempt.
func (c *Collector) ObserveAttempt(tool, operation string, statusCode int) {
	c.toolAttempts.WithLabelValues(tool, operation, strconv.Itoa(statusCode)).Inc()
}

// ObserveInvocation records a finished invocation.
func (c *Collector) ObserveInvocation(tool, operation, outcome string, d time.Duration) {
	c.toolInvocations.WithLabelValues(tool, operation, outcome).Inc()
	c.toolLatency.WithLabelValues(tool, operation).Observe(d.Seconds())
}

// ObserveTransition records a transition attempt.
func (c *Collector) ObserveTransition(action, outcome string, d time.Duration) {
	c.transitions.WithLabelValues(action, outcome).Inc()
	c.transitionDuration.WithLabelValues(action).Observe(d.Seconds())
}
