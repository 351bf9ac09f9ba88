package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reddust/metric"
)

// Metrics holds Prometheus metrics for the dispatcher
type Metrics struct {
	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	sent         *prometheus.CounterVec
	sendErrors   *prometheus.CounterVec
	streaming    prometheus.Gauge
}

func newMetrics(registry metric.MetricsRegistrar) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "ticks_total",
			Help:      "Scheduler ticks executed while streaming",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "tick_duration_seconds",
			Help:      "Time spent sending one tick to all destinations",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.0167, 0.05},
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "messages_sent_total",
			Help:      "Messages handed to a destination sender",
		}, []string{"destination"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "send_errors_total",
			Help:      "Failed sends per destination",
		}, []string{"destination"}),
		streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "streaming",
			Help:      "1 while the schedule is running",
		}),
	}

	if registry != nil {
		_ = registry.RegisterCounter("dispatcher", "ticks", m.ticks)
		_ = registry.RegisterHistogram("dispatcher", "tick_duration", m.tickDuration)
		_ = registry.RegisterCounterVec("dispatcher", "messages_sent", m.sent)
		_ = registry.RegisterCounterVec("dispatcher", "send_errors", m.sendErrors)
		_ = registry.RegisterGauge("dispatcher", "streaming", m.streaming)
	}
	return m
}
