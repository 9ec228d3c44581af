package server

import (
	"sort"

	"github.com/dd0wney/cluso-mq/pkg/health"
	"github.com/dd0wney/cluso-mq/pkg/quorum"
)

func (s *Server) registerHealthChecks() {
	topology := health.TopologyCheck(s.topologyState)
	replication := health.ReplicationCheck(s.replicationStates)
	role := health.QuorumCheck(func() (string, bool) { return s.Role(), s.Fenced() })

	s.health.RegisterCheck("topology", topology)
	s.health.RegisterCheck("replication", replication)
	s.health.RegisterCheck("quorum", role)

	s.health.RegisterReadinessCheck("quorum", role)
	s.health.RegisterReadinessCheck("topology", topology)
	s.health.RegisterLivenessCheck("quorum", role)
}

// topologyState counts the live members this node observed within its
// grace window, itself included.
func (s *Server) topologyState() health.TopologyState {
	members := s.topo.LiveMembers()
	reachable := 1
	for _, m := range members {
		if m.NodeID != s.id && s.liveness.Observed(m.NodeID, s.cfg.Quorum.GracePeriod) {
			reachable++
		}
	}
	return health.TopologyState{
		Members:   len(members),
		Reachable: reachable,
		Quorum:    quorum.Required(quorum.ClusterSize(members, s.id, s.cfg.Quorum.Size)),
	}
}

// replicationStates lists the own live's session and every hosted channel
func (s *Server) replicationStates() []health.ReplicationState {
	var out []health.ReplicationState
	if live := s.live.Load(); live != nil {
		if st, ok := live.status(); ok {
			out = append(out, st)
		}
	}
	for _, backup := range s.manager.BackupServers() {
		if b, ok := backup.(*backupServer); ok {
			out = append(out, b.status())
		}
	}
	for _, live := range s.lives() {
		if live.id == s.id {
			continue
		}
		if st, ok := live.status(); ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
