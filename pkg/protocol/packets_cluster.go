package protocol

import "github.com/dd0wney/cluso-mq/pkg/cluster"

// TopologyAnnounce introduces a node to a peer; the reply carries the
// peer's full view.
type TopologyAnnounce struct {
	Member cluster.Member `json:"member"`
}

func (*TopologyAnnounce) Tag() Tag { return TagTopologyAnnounce }

// TopologyReply is the full membership view of the replying node
type TopologyReply struct {
	Members    []cluster.Member    `json:"members"`
	Departures []cluster.Departure `json:"departures,omitempty"`
}

func (*TopologyReply) Tag() Tag { return TagTopologyReply }

// TopologyUpdate propagates one changed member record
type TopologyUpdate struct {
	Member cluster.Member `json:"member"`
}

func (*TopologyUpdate) Tag() Tag { return TagTopologyUpdate }

// NodeLeft propagates an explicit departure
type NodeLeft struct {
	Departure cluster.Departure `json:"departure"`
}

func (*NodeLeft) Tag() Tag { return TagNodeLeft }

// Ping asks the targeted server to prove it is running
type Ping struct{}

func (*Ping) Tag() Tag { return TagPing }

// Pong answers a Ping with the responder's identity and role
type Pong struct {
	NodeID cluster.NodeID `json:"node_id"`
	Live   bool           `json:"live"`
}

func (*Pong) Tag() Tag { return TagPong }

// VoteRequest asks a voter whether it has observed LiveID within its own
// grace window.
type VoteRequest struct {
	LiveID    cluster.NodeID `json:"live_id"`
	Requester cluster.NodeID `json:"requester"`
}

func (*VoteRequest) Tag() Tag { return TagVoteRequest }

// VoteResponse is one ballot
type VoteResponse struct {
	Voter        cluster.NodeID `json:"voter"`
	LiveObserved bool           `json:"live_observed"`
}

func (*VoteResponse) Tag() Tag { return TagVoteResponse }
