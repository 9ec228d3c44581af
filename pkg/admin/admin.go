// Package admin serves a node's management HTTP surface: health probes,
// Prometheus metrics, the topology view and the backups it hosts.
package admin

import (
	"sort"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/ha"
	"github.com/dd0wney/cluso-mq/pkg/health"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
)

// Node is the part of a broker node the admin server reads and drives
type Node interface {
	ID() cluster.NodeID
	Role() string
	Topology() *cluster.Topology
	Manager() *ha.Manager
	Health() *health.HealthChecker
	Metrics() *metrics.Registry
	Acceptors() map[cluster.NodeID][]config.Acceptor
}

// Status is the node summary returned by /admin/status
type Status struct {
	NodeID    cluster.NodeID `json:"node_id"`
	Role      string         `json:"role"`
	Members   int            `json:"members"`
	Hosted    int            `json:"hosted_backups"`
	Promoted  []string       `json:"promoted,omitempty"`
	Acceptors []LiveAcceptor `json:"acceptors"`
	Timestamp time.Time      `json:"timestamp"`
}

// LiveAcceptor is one client acceptor opened for a live identity
type LiveAcceptor struct {
	Live cluster.NodeID `json:"live"`
	config.Acceptor
}

// TopologyView is the membership view returned by /admin/topology
type TopologyView struct {
	Members    []cluster.Member    `json:"members"`
	Departures []cluster.Departure `json:"departures"`
	Version    uint64              `json:"version"`
}

// BackupsView is returned by /admin/backups
type BackupsView struct {
	Hosted   []ha.Allocation `json:"hosted"`
	Promoted []ha.Allocation `json:"promoted"`
}

func statusOf(n Node, now time.Time) Status {
	st := Status{
		NodeID:    n.ID(),
		Role:      n.Role(),
		Members:   len(n.Topology().Members()),
		Hosted:    len(n.Manager().BackupServers()),
		Acceptors: []LiveAcceptor{},
		Timestamp: now,
	}
	for id := range n.Manager().Promoted() {
		st.Promoted = append(st.Promoted, id.String())
	}
	sort.Strings(st.Promoted)

	for live, acceptors := range n.Acceptors() {
		for _, a := range acceptors {
			st.Acceptors = append(st.Acceptors, LiveAcceptor{Live: live, Acceptor: a})
		}
	}
	sort.Slice(st.Acceptors, func(i, j int) bool {
		if st.Acceptors[i].Live != st.Acceptors[j].Live {
			return st.Acceptors[i].Live < st.Acceptors[j].Live
		}
		return st.Acceptors[i].Port < st.Acceptors[j].Port
	})
	return st
}

func topologyOf(n Node) TopologyView {
	view := TopologyView{
		Members:    n.Topology().Members(),
		Departures: n.Topology().Departures(),
	}
	for _, m := range view.Members {
		view.Version = max(view.Version, m.Version())
	}
	for _, d := range view.Departures {
		view.Version = max(view.Version, d.Version)
	}
	return view
}

func backupsOf(n Node) BackupsView {
	view := BackupsView{Hosted: n.Manager().Allocations(), Promoted: []ha.Allocation{}}
	for _, server := range n.Manager().Promoted() {
		view.Promoted = append(view.Promoted, server.Allocation())
	}
	sort.Slice(view.Promoted, func(i, j int) bool { return view.Promoted[i].Slot < view.Promoted[j].Slot })
	return view
}
