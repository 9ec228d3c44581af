package quorum

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/discovery"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

// Collect runs one vote about the live and decides it. Ballots are
// requested from every live member except the suspect, each answering
// from its own observations; this node's own ballot comes from its local
// Liveness.
func (v *Voter) Collect(ctx context.Context) (Decision, Vote) {
	start := v.opts.Clock.Now()
	members := v.opts.Topology.LiveMembers()

	vote := Vote{
		Topic:    v.opts.LiveID,
		Ballots:  make(map[cluster.NodeID]Ballot),
		Required: Required(ClusterSize(members, v.opts.LiveID, v.opts.Size)),
	}

	if live, ok := v.opts.Topology.Member(v.opts.LiveID); ok && live.Live != "" {
		vote.SelfReachesLive = discovery.Ping(ctx, v.opts.Transport, v.opts.Self, v.opts.LiveID, live.Live, v.opts.CallTimeout)
	}
	if vote.SelfReachesLive {
		return v.record(start, vote, DecisionStay)
	}

	if v.opts.Self != v.opts.LiveID {
		vote.Ballots[v.opts.Self] = Ballot{
			Voter:        v.opts.Self,
			LiveObserved: v.opts.Liveness != nil && v.opts.Liveness.Observed(v.opts.LiveID, v.opts.GracePeriod),
		}
	}

	vctx, cancel := context.WithTimeout(ctx, v.opts.VoteTimeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(vctx)
	g.SetLimit(16)
	for _, m := range members {
		if m.NodeID == v.opts.LiveID || m.NodeID == v.opts.Self {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, v.opts.CallTimeout)
			defer cancel()

			resp, err := transport.CallAs[*protocol.VoteResponse](cctx, v.opts.Transport, m.Live, protocol.Envelope{
				From:   v.opts.Self,
				Target: m.NodeID,
				Packet: &protocol.VoteRequest{LiveID: v.opts.LiveID, Requester: v.opts.Self},
			})
			if err != nil {
				v.logger.Debug("no ballot", logging.Peer(m.NodeID.Short()), logging.Error(err))
				return nil
			}
			mu.Lock()
			vote.Ballots[m.NodeID] = Ballot{Voter: m.NodeID, LiveObserved: resp.LiveObserved}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return DecisionRetry, vote
	}
	return v.record(start, vote, Decide(vote))
}

func (v *Voter) record(start time.Time, vote Vote, d Decision) (Decision, Vote) {
	if v.opts.Metrics != nil {
		v.opts.Metrics.RecordVote(d.String(), v.opts.Clock.Now().Sub(start))
	}
	v.logger.Debug("vote decided",
		logging.String("decision", d.String()),
		logging.Count(len(vote.Ballots)),
		logging.Int("required", vote.Required))
	return d, vote
}
