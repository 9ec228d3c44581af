package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.TopologyMembers = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusomq_topology_members",
			Help: "Number of members in the local topology view",
		},
	)

	r.TopologyMergesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_topology_merges_total",
			Help: "Topology updates merged into the local view",
		},
		[]string{"result"}, // changed, unchanged
	)

	r.HeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_cluster_heartbeats_total",
			Help: "Heartbeats sent to cluster members",
		},
		[]string{"result"}, // ok, failed
	)

	r.ServerRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusomq_server_role",
			Help: "Server role (1 for current role, 0 otherwise)",
		},
		[]string{"node", "role"},
	)
}
