// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds the proxy's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	discoveryPasses *prometheus.CounterVec
	toolsExposed    prometheus.Gauge
	backendTools    *prometheus.GaugeVec
	backendReady    *prometheus.GaugeVec

	stateTransitions *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec

	configUpdates prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the proxy metrics on a private registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"backend", "status"},
	)

	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"backend"},
	)

	c.discoveryPasses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_passes_total",
			Help:      "Total number of tool discovery passes",
		},
		[]string{"status"},
	)

	c.toolsExposed = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tools_exposed",
			Help:      "Number of tools currently exposed to the host",
		},
	)

	c.backendTools = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_tools",
			Help:      "Number of exposed tools per backend",
		},
		[]string{"backend"},
	)

	c.backendReady = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_ready",
			Help:      "Whether a backend contributed at least one tool in the last pass",
		},
		[]string{"backend"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of reconnect state machine transitions",
		},
		[]string{"from", "to"},
	)

	c.reconnectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of forced reconnects",
		},
		[]string{"reason"},
	)

	c.configUpdates = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Total number of configuration update notifications",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordToolCall records one invocation outcome.
func (c *Collector) RecordToolCall(backend, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolCallsTotal.WithLabelValues(backend, status).Inc()
	if backend != "" {
		c.toolCallDuration.WithLabelValues(backend).Observe(duration.Seconds())
	}
}

// RecordDiscovery records a completed or failed discovery pass. On success
// the exposed tool gauges are replaced.
func (c *Collector) RecordDiscovery(status string, total int, perBackend map[string]int) {
	if c == nil {
		return
	}
	c.discoveryPasses.WithLabelValues(status).Inc()
	if status != "success" {
		return
	}
	c.toolsExposed.Set(float64(total))
	c.backendTools.Reset()
	for backend, n := range perBackend {
		c.backendTools.WithLabelValues(backend).Set(float64(n))
	}
}

// RecordReadiness replaces the per-backend readiness gauges.
func (c *Collector) RecordReadiness(ready map[string]bool) {
	if c == nil {
		return
	}
	c.backendReady.Reset()
	for backend, ok := range ready {
		v := 0.0
		if ok {
			v = 1
		}
		c.backendReady.WithLabelValues(backend).Set(v)
	}
}

// RecordStateTransition records a reconnect state machine transition.
func (c *Collector) RecordStateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconnect records a forced reconnect and its cause.
func (c *Collector) RecordReconnect(reason string) {
	if c == nil {
		return
	}
	c.reconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordConfigUpdate records a configuration update notification.
func (c *Collector) RecordConfigUpdate() {
	if c == nil {
		return
	}
	c.configUpdates.Inc()
}
