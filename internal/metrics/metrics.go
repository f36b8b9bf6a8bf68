// Package metrics exposes the orchestrator's runtime counters on a
// private prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the orchestration metrics.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stepsTotal        *prometheus.CounterVec
	triggersTotal     *prometheus.CounterVec
	sweepsTotal       prometheus.Counter
}

// NewCollector creates and registers the orchestration metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	executionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_executions_total",
			Help: "Agent executions by terminal status",
		},
		[]string{"status"},
	)

	executionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_execution_duration_seconds",
			Help:    "Wall-clock duration of agent executions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)

	stepsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_steps_total",
			Help: "Executed plan steps by outcome",
		},
		[]string{"status"},
	)

	triggersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_triggers_total",
			Help: "Monitor activations by trigger type",
		},
		[]string{"trigger_type"},
	)

	sweepsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_sweeps_total",
			Help: "Proactive monitor sweeps run",
		},
	)

	registry.MustRegister(executionsTotal, executionDuration, stepsTotal, triggersTotal, sweepsTotal)

	return &Collector{
		registry:          registry,
		executionsTotal:   executionsTotal,
		executionDuration: executionDuration,
		stepsTotal:        stepsTotal,
		triggersTotal:     triggersTotal,
		sweepsTotal:       sweepsTotal,
	}
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordExecution records a finished execution.
func (c *Collector) RecordExecution(status string, durationSeconds float64) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStep records one executed plan step.
func (c *Collector) RecordStep(status string) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(status).Inc()
}

// RecordTrigger records a monitor activation.
func (c *Collector) RecordTrigger(triggerType string) {
	if c == nil {
		return
	}
	c.triggersTotal.WithLabelValues(triggerType).Inc()
}

// RecordSweep records one monitor sweep.
func (c *Collector) RecordSweep() {
	if c == nil {
		return
	}
	c.sweepsTotal.Inc()
}
