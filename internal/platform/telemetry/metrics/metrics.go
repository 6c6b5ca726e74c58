// Package metrics provides Prometheus registries and scrape handlers for
// service processes.
//
// Each process builds one Registry at startup, passes it to the components
// that record metrics, and mounts Handler at /metrics. Components accept a
// prometheus.Registerer so tests can use an isolated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric the services export.
const Namespace = "parley"

// NewRegistry returns a registry preloaded with Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Register registers each collector, reusing the already-registered
// instance when an identical collector exists. It returns the collectors
// actually in use, in order.
func Register(reg prometheus.Registerer, cs ...prometheus.Collector) []prometheus.Collector {
	out := make([]prometheus.Collector, len(cs))
	for i, c := range cs {
		out[i] = c
		if reg == nil {
			continue
		}
		if err := reg.Register(c); err != nil {
			if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
				out[i] = existing.ExistingCollector
				continue
			}
			panic(err)
		}
	}
	return out
}
