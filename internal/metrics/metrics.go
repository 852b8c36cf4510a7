// Package metrics exposes Prometheus collectors for proctord.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proctord"

// Metrics holds the proctoring collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	observations     *prometheus.CounterVec
	warnings         *prometheus.CounterVec
	terminations     prometheus.Counter
	inferenceErrors  *prometheus.CounterVec
	inferenceSeconds prometheus.Histogram
	activeSessions   prometheus.Gauge
}

// New creates an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observations_total",
				Help:      "Observations counted by the aggregator, partitioned by violation type.",
			},
			[]string{"type"},
		),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warnings_total",
				Help:      "Warnings raised, partitioned by violation type.",
			},
			[]string{"type"},
		),
		terminations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminations_total",
				Help:      "Sessions terminated by the warning policy.",
			},
		),
		inferenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inference_errors_total",
				Help:      "Failed visual sampling cycles, partitioned by capability.",
			},
			[]string{"capability"},
		),
		inferenceSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_seconds",
				Help:      "Latency of one face and pose inference cycle.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Monitors currently in the monitoring state.",
			},
		),
	}
}

// Register attaches the collectors to the supplied Prometheus registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.observations,
		m.warnings,
		m.terminations,
		m.inferenceErrors,
		m.inferenceSeconds,
		m.activeSessions,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Observation counts one aggregated observation.
func (m *Metrics) Observation(typ string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(typ).Inc()
}

// Warning counts one raised warning.
func (m *Metrics) Warning(typ string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(typ).Inc()
}

// Termination counts one policy termination.
func (m *Metrics) Termination() {
	if m == nil {
		return
	}
	m.terminations.Inc()
}

// InferenceError counts one failed cycle for capability.
func (m *Metrics) InferenceError(capability string) {
	if m == nil {
		return
	}
	m.inferenceErrors.WithLabelValues(capability).Inc()
}

// ObserveInference records an inference cycle duration.
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.inferenceSeconds.Observe(d.Seconds())
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
