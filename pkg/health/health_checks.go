package health

// SimpleCheck creates a check that always reports healthy
func SimpleCheck(name string) CheckFunc {
	return func() Check {
		return Check{Name: name, Status: StatusHealthy}
	}
}

// TopologyState is what the topology check needs to know about the cluster view
type TopologyState struct {
	Members   int
	Reachable int
	Quorum    int
}

// TopologyCheck reports whether this node still observes a quorum of the cluster
func TopologyCheck(getState func() TopologyState) CheckFunc {
	return func() Check {
		state := getState()
		check := Check{
			Name: "topology",
			Details: map[string]any{
				"members":   state.Members,
				"reachable": state.Reachable,
				"quorum":    state.Quorum,
			},
		}

		switch {
		case state.Members <= 1:
			check.Status = StatusHealthy
			check.Message = "Single node"
		case state.Reachable < state.Quorum:
			check.Status = StatusDegraded
			check.Message = "Quorum not observed"
		case state.Reachable < state.Members:
			check.Status = StatusDegraded
			check.Message = "Some members unreachable"
		default:
			check.Status = StatusHealthy
			check.Message = "All members reachable"
		}

		return check
	}
}

// ReplicationState describes one replication channel seen from this node
type ReplicationState struct {
	Peer         string
	Connected    bool
	Synchronized bool
	Lag          uint64
}

// ReplicationCheck reports the state of every replication channel this node
// takes part in, as live or as host of a backup.
func ReplicationCheck(getState func() []ReplicationState) CheckFunc {
	return func() Check {
		states := getState()
		check := Check{
			Name:    "replication",
			Details: make(map[string]any, len(states)),
		}

		check.Status = StatusHealthy
		check.Message = "Replication healthy"
		if len(states) == 0 {
			check.Message = "No replication channels"
			return check
		}

		for _, s := range states {
			check.Details[s.Peer] = map[string]any{
				"connected":    s.Connected,
				"synchronized": s.Synchronized,
				"lag":          s.Lag,
			}
			if !s.Connected || !s.Synchronized {
				check.Status = StatusDegraded
				check.Message = "Replication not synchronized"
			}
		}

		return check
	}
}

// QuorumCheck reports the node's role; a fenced node is unhealthy.
func QuorumCheck(getRole func() (role string, fenced bool)) CheckFunc {
	return func() Check {
		role, fenced := getRole()
		check := Check{
			Name:    "quorum",
			Details: map[string]any{"role": role},
		}

		if fenced {
			check.Status = StatusUnhealthy
			check.Message = "Fenced after losing quorum"
		} else {
			check.Status = StatusHealthy
			check.Message = "Serving as " + role
		}

		return check
	}
}
