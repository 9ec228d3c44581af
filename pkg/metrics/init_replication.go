package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationRecordsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_replication_records_total",
			Help: "Journal records replicated",
		},
		[]string{"direction"}, // sent, applied
	)

	r.ReplicationBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_replication_bytes_total",
			Help: "Journal record bytes replicated",
		},
		[]string{"direction"}, // sent, applied
	)

	r.ReplicationSynchronized = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusomq_replication_synchronized",
			Help: "Whether the replication channel is synchronized (1=yes, 0=no)",
		},
		[]string{"node"},
	)

	r.ReplicationLagPositions = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusomq_replication_lag_positions",
			Help: "Journal positions not yet acknowledged by the backup",
		},
		[]string{"node"},
	)

	r.ReplicationResyncsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusomq_replication_resyncs_total",
			Help: "Synchronizations restarted from scratch",
		},
	)
}
