package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every Red Dust metric name
const Namespace = "reddust"

// Metrics contains process-level metrics shared by both binaries.
// Component metrics (dispatcher, receiver) are registered by their owners.
type Metrics struct {
	BuildInfo     *prometheus.GaugeVec
	ErrorsTotal   *prometheus.CounterVec
	NATSConnected prometheus.Gauge
	SessionsSaved *prometheus.CounterVec
}

// NewMetrics creates the process-level metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "build_info",
				Help:      "Build information, constant 1",
			},
			[]string{"binary", "version"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		SessionsSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "operations_total",
				Help:      "Session store operations by kind and result",
			},
			[]string{"operation", "result"},
		),
	}
}

// RecordError increments the error counter for a component
func (m *Metrics) RecordError(component string, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordSession counts a session store operation
func (m *Metrics) RecordSession(operation, result string) {
	if m == nil {
		return
	}
	m.SessionsSaved.WithLabelValues(operation, result).Inc()
}
