package receiver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reddust/metric"
)

// Metrics holds Prometheus metrics for the node
type Metrics struct {
	frames *prometheus.CounterVec
	mode   prometheus.Gauge
	output prometheus.Gauge
}

func newMetrics(registry metric.MetricsRegistrar) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "receiver",
			Name:      "frames_total",
			Help:      "Input frames by source and outcome",
		}, []string{"source", "result"}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "receiver",
			Name:      "mode",
			Help:      "Arbitration mode: 0 idle, 1 wired, 2 network",
		}),
		output: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "receiver",
			Name:      "actuator_output",
			Help:      "Last actuator output",
		}),
	}

	if registry != nil {
		_ = registry.RegisterCounterVec("receiver", "frames", m.frames)
		_ = registry.RegisterGauge("receiver", "mode", m.mode)
		_ = registry.RegisterGauge("receiver", "actuator_output", m.output)
	}
	return m
}

func (m *Metrics) frame(source, result string) {
	m.frames.WithLabelValues(source, result).Inc()
}
