package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initQuorumMetrics() {
	r.QuorumVotesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_quorum_votes_total",
			Help: "Quorum votes held by backups on this node",
		},
		[]string{"decision"}, // promote, alive, no_quorum
	)

	r.QuorumVoteDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusomq_quorum_vote_duration_seconds",
			Help:    "Duration of quorum votes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)

	r.QuorumState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusomq_quorum_state",
			Help: "Voter state (1 for current state, 0 otherwise)",
		},
		[]string{"node", "state"},
	)

	r.PromotionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_quorum_promotions_total",
			Help: "Backups promoted to live",
		},
		[]string{"strategy"}, // full, scale_down
	)

	r.FencesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusomq_quorum_fences_total",
			Help: "Times a live server fenced itself after losing quorum",
		},
	)
}
