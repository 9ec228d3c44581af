package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initProcessMetrics adds the Go runtime and process collectors next to
// the node's own uptime gauge.
func (r *Registry) initProcessMetrics() {
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "clusomq"}),
	)

	r.UptimeSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusomq_uptime_seconds",
			Help: "Seconds since the node's admin surface started",
		},
	)
}
