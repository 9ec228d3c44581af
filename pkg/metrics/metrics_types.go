package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for one broker node.
//
// Each node owns its registry; hosted backup servers share the host's
// registry and are told apart by the "node" label.
type Registry struct {
	// Topology Metrics
	TopologyMembers     prometheus.Gauge
	TopologyMergesTotal *prometheus.CounterVec
	HeartbeatsTotal     *prometheus.CounterVec
	ServerRole          *prometheus.GaugeVec

	// HA Metrics
	BackupRequestsTotal *prometheus.CounterVec
	BackupGrantsTotal   *prometheus.CounterVec
	HostedBackups       prometheus.Gauge

	// Replication Metrics
	ReplicationRecordsTotal *prometheus.CounterVec
	ReplicationBytesTotal   *prometheus.CounterVec
	ReplicationSynchronized *prometheus.GaugeVec
	ReplicationLagPositions *prometheus.GaugeVec
	ReplicationResyncsTotal prometheus.Counter

	// Quorum Metrics
	QuorumVotesTotal   *prometheus.CounterVec
	QuorumVoteDuration prometheus.Histogram
	QuorumState        *prometheus.GaugeVec
	PromotionsTotal    *prometheus.CounterVec
	FencesTotal        prometheus.Counter

	// Process Metrics; runtime gauges come from the registered collectors
	UptimeSeconds prometheus.Gauge

	registry *prometheus.Registry
}
