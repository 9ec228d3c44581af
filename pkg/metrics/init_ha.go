package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initHAMetrics() {
	r.BackupRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_ha_backup_requests_total",
			Help: "Backup requests sent by this node, by outcome",
		},
		[]string{"result"}, // granted, refused, error
	)

	r.BackupGrantsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusomq_ha_backup_grants_total",
			Help: "Backup requests received by this node, by decision",
		},
		[]string{"result"}, // accepted, refused
	)

	r.HostedBackups = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusomq_ha_hosted_backups",
			Help: "Backup servers hosted by this node, including reserved slots",
		},
	)
}
