package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Server roles reported through ServerRole
var serverRoles = []string{"live", "backup", "standby", "fenced", "stopped"}

// Voter states reported through QuorumState
var voterStates = []string{"passive", "suspect", "voting", "promoted"}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initClusterMetrics()
	r.initHAMetrics()
	r.initReplicationMetrics()
	r.initQuorumMetrics()
	r.initProcessMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// SetServerRole marks role as the current role of node
func (r *Registry) SetServerRole(node, role string) {
	for _, known := range serverRoles {
		r.ServerRole.WithLabelValues(node, known).Set(0)
	}
	r.ServerRole.WithLabelValues(node, role).Set(1)
}

// SetQuorumState marks state as the current voter state of node
func (r *Registry) SetQuorumState(node, state string) {
	for _, known := range voterStates {
		r.QuorumState.WithLabelValues(node, known).Set(0)
	}
	r.QuorumState.WithLabelValues(node, state).Set(1)
}

// RecordBackupRequest records the outcome of one grant exchange
func (r *Registry) RecordBackupRequest(result string) {
	r.BackupRequestsTotal.WithLabelValues(result).Inc()
}

// RecordBackupGrant records a decision taken on an incoming backup request
func (r *Registry) RecordBackupGrant(result string) {
	r.BackupGrantsTotal.WithLabelValues(result).Inc()
}

// RecordReplication records records moved over a replication channel
func (r *Registry) RecordReplication(direction string, records, bytes int) {
	r.ReplicationRecordsTotal.WithLabelValues(direction).Add(float64(records))
	r.ReplicationBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// SetSynchronized records whether node's replication channel is synchronized
func (r *Registry) SetSynchronized(node string, synced bool) {
	if synced {
		r.ReplicationSynchronized.WithLabelValues(node).Set(1)
	} else {
		r.ReplicationSynchronized.WithLabelValues(node).Set(0)
	}
}

// RecordVote records a quorum vote decision and how long it took
func (r *Registry) RecordVote(decision string, duration time.Duration) {
	r.QuorumVotesTotal.WithLabelValues(decision).Inc()
	r.QuorumVoteDuration.Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes the uptime gauge
func (r *Registry) UpdateSystemMetrics(started time.Time) {
	r.UptimeSeconds.Set(time.Since(started).Seconds())
}
