package quorum

import (
	"time"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

// Responder answers vote requests from this node's first-hand liveness
// observations.
type Responder struct {
	liveness *cluster.Liveness
	grace    time.Duration
}

func NewResponder(liveness *cluster.Liveness, grace time.Duration) *Responder {
	return &Responder{liveness: liveness, grace: grace}
}

// HandleVote answers req on behalf of voter
func (r *Responder) HandleVote(voter cluster.NodeID, req *protocol.VoteRequest) *protocol.VoteResponse {
	return &protocol.VoteResponse{
		Voter:        voter,
		LiveObserved: r.liveness.Observed(req.LiveID, r.grace),
	}
}
