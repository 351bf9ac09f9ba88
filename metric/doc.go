// Package metric wraps a Prometheus registry shared by the Red Dust
// binaries.
//
// Components own their metrics and register them through MetricsRegistrar
// under a component name, so duplicate names are rejected as invalid
// errors instead of panicking:
//
//	registry := metric.NewMetricsRegistry()
//	ticks := prometheus.NewCounter(prometheus.CounterOpts{Name: "reddust_dispatcher_ticks_total"})
//	if err := registry.RegisterCounter("dispatcher", "ticks", ticks); err != nil {
//	    return err
//	}
//
// The control center mounts Handler on its HTTP router. The receiver node
// has no router and runs a Server instead.
package metric
