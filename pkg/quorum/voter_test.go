package quorum

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/replication"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

const (
	liveID  cluster.NodeID = "00000000-0000-0000-0000-00000000000a"
	hostID  cluster.NodeID = "00000000-0000-0000-0000-00000000000b"
	thirdID cluster.NodeID = "00000000-0000-0000-0000-00000000000c"
)

// cluster3 is a live, the node hosting its backup and a third voter
type cluster3 struct {
	net      *transport.MemNetwork
	topo     *cluster.Topology
	liveness *cluster.Liveness
	host     *transport.MemTransport

	thirdSeesLive atomic.Bool
}

func newCluster3(t *testing.T) *cluster3 {
	c := &cluster3{
		net:      transport.NewMemNetwork(),
		topo:     cluster.NewTopology(nil, nil),
		liveness: cluster.NewLiveness(nil),
	}
	for id, addr := range map[cluster.NodeID]string{liveID: "l:1", hostID: "h:1", thirdID: "c:1"} {
		c.topo.Merge(cluster.SetLive(id, addr, 1))
	}

	serve := func(id cluster.NodeID, addr string, vote func() bool) {
		tr := c.net.Endpoint(addr)
		_, err := tr.Listen(addr, func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
			switch p := env.Packet.(type) {
			case *protocol.Ping:
				return &protocol.Pong{NodeID: id, Live: env.Target == id}, nil
			case *protocol.VoteRequest:
				return &protocol.VoteResponse{Voter: id, LiveObserved: p.LiveID == liveID && vote()}, nil
			}
			return nil, protocol.ErrBadRequest
		})
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })
	}
	serve(liveID, "l:1", func() bool { return true })
	serve(thirdID, "c:1", c.thirdSeesLive.Load)

	c.host = c.net.Endpoint("h:1")
	return c
}

func (c *cluster3) voter(t *testing.T, promote func(context.Context) error) *Voter {
	v := NewVoter(VoterOptions{
		Self:          hostID,
		LiveID:        liveID,
		Topology:      c.topo,
		Liveness:      c.liveness,
		Transport:     c.host,
		Metrics:       metrics.NewRegistry(),
		GracePeriod:   30 * time.Millisecond,
		VoteTimeout:   50 * time.Millisecond,
		RetryInterval: 30 * time.Millisecond,
		Promote:       promote,
	})
	require.NoError(t, v.Start())
	t.Cleanup(func() { v.Stop() })
	return v
}

const (
	manualGrace = time.Second
	manualRetry = 5 * time.Second
)

// manualVoter runs its grace and retry timers on clk
func (c *cluster3) manualVoter(t *testing.T, clk *clock.Manual, promote func(context.Context) error) *Voter {
	v := NewVoter(VoterOptions{
		Self:          hostID,
		LiveID:        liveID,
		Topology:      c.topo,
		Liveness:      c.liveness,
		Transport:     c.host,
		Clock:         clk,
		GracePeriod:   manualGrace,
		VoteTimeout:   time.Second,
		RetryInterval: manualRetry,
		Promote:       promote,
	})
	require.NoError(t, v.Start())
	t.Cleanup(func() { v.Stop() })
	return v
}

func waitArmed(t *testing.T, v *Voter, clk *clock.Manual, state VoterState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return v.State() == state && clk.Pending() == 1
	}, 2*time.Second, time.Millisecond, "voter never armed a timer in %s", state)
}

func TestVoter_GraceVoteRetryOnManualClock(t *testing.T) {
	c := newCluster3(t)
	clk := clock.NewManual(time.Unix(0, 0))
	var attempts atomic.Int32
	v := c.manualVoter(t, clk, func(context.Context) error {
		if attempts.Add(1) == 1 {
			return errors.New("store still locked")
		}
		return nil
	})

	v.Observe(replication.StateSynchronized)
	c.net.Isolate("l:1")
	v.Observe(replication.StateLost)
	waitArmed(t, v, clk, StateSuspect)

	// no vote before the grace period is over
	clk.Advance(manualGrace - time.Millisecond)
	assert.Never(t, func() bool { return attempts.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateSuspect, v.State())

	// the vote passes but the takeover fails: back to SUSPECT for one retry interval
	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, 2*time.Second, time.Millisecond)
	waitArmed(t, v, clk, StateSuspect)

	clk.Advance(manualRetry - time.Millisecond)
	assert.Never(t, func() bool { return attempts.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return v.State() == StatePromoted }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Zero(t, clk.Pending())
}

func TestVoter_ReachableLiveRevotesAfterRetryOnManualClock(t *testing.T) {
	c := newCluster3(t)
	clk := clock.NewManual(time.Unix(0, 0))
	v := c.manualVoter(t, clk, func(context.Context) error {
		t.Error("promoted while the live answers")
		return nil
	})

	// the channel dropped but the live still answers pings
	v.Observe(replication.StateSynchronized)
	v.Observe(replication.StateLost)
	waitArmed(t, v, clk, StateSuspect)

	for round := 0; round < 3; round++ {
		clk.Advance(manualGrace)
		waitArmed(t, v, clk, StatePassive)

		// still no channel: suspicion comes back after one retry interval
		clk.Advance(manualRetry)
		waitArmed(t, v, clk, StateSuspect)
	}

	v.Observe(replication.StateSynchronized)
	require.Eventually(t, func() bool {
		return v.State() == StatePassive && clk.Pending() == 0
	}, 2*time.Second, time.Millisecond)
}

func TestVoter_PromotesWhenQuorumLostLive(t *testing.T) {
	c := newCluster3(t)
	var promoted atomic.Int32
	v := c.voter(t, func(context.Context) error {
		promoted.Add(1)
		return nil
	})

	v.Observe(replication.StateSynchronized)
	c.net.Isolate("l:1")
	v.Observe(replication.StateLost)

	require.Eventually(t, func() bool { return v.State() == StatePromoted }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), promoted.Load())
}

func TestVoter_StaysWhileLiveReachable(t *testing.T) {
	c := newCluster3(t)
	var promoted atomic.Int32
	v := c.voter(t, func(context.Context) error {
		promoted.Add(1)
		return nil
	})

	// The channel dropped but the live still answers pings
	v.Observe(replication.StateSynchronized)
	v.Observe(replication.StateLost)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), promoted.Load())
	assert.NotEqual(t, StatePromoted, v.State())
}

func TestVoter_SplitBallotNeverPromotes(t *testing.T) {
	c := newCluster3(t)
	c.thirdSeesLive.Store(true)
	var promoted atomic.Int32
	v := c.voter(t, func(context.Context) error {
		promoted.Add(1)
		return nil
	})

	v.Observe(replication.StateSynchronized)
	c.net.Partition([]string{"h:1", "c:1"}, []string{"l:1"})
	v.Observe(replication.StateLost)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), promoted.Load())
}

func TestVoter_MinorityNeverPromotes(t *testing.T) {
	c := newCluster3(t)
	var promoted atomic.Int32
	v := c.voter(t, func(context.Context) error {
		promoted.Add(1)
		return nil
	})

	v.Observe(replication.StateSynchronized)
	c.net.Isolate("h:1")
	v.Observe(replication.StateLost)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), promoted.Load())
	assert.Contains(t, []VoterState{StateSuspect, StateVoting}, v.State())

	// Healing lets the channel come back and clears the suspicion
	c.net.Heal()
	v.Observe(replication.StateConnected)
	require.Eventually(t, func() bool { return v.State() == StatePassive }, time.Second, 5*time.Millisecond)
}

func TestVoter_RestoreWithinGraceCancels(t *testing.T) {
	c := newCluster3(t)
	var promoted atomic.Int32
	v := NewVoter(VoterOptions{
		Self:        hostID,
		LiveID:      liveID,
		Topology:    c.topo,
		Liveness:    c.liveness,
		Transport:   c.host,
		GracePeriod: time.Hour,
		Promote: func(context.Context) error {
			promoted.Add(1)
			return nil
		},
	})
	require.NoError(t, v.Start())
	defer v.Stop()

	v.Observe(replication.StateSynchronized)
	c.net.Isolate("l:1")
	v.Observe(replication.StateLost)
	require.Eventually(t, func() bool { return v.State() == StateSuspect }, time.Second, 5*time.Millisecond)

	v.Observe(replication.StateSynchronized)
	require.Eventually(t, func() bool { return v.State() == StatePassive }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), promoted.Load())
}

func TestVoter_IncompleteJournalNeverSuspects(t *testing.T) {
	c := newCluster3(t)
	v := c.voter(t, func(context.Context) error {
		t.Error("promotion without a synchronized journal")
		return nil
	})

	v.Observe(replication.StateConnected)
	c.net.Isolate("l:1")
	v.Observe(replication.StateLost)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatePassive, v.State())
}

func TestVoter_FailedPromotionRetries(t *testing.T) {
	c := newCluster3(t)
	var mu sync.Mutex
	attempts := 0
	v := c.voter(t, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("store still locked")
		}
		return nil
	})

	v.Observe(replication.StateSynchronized)
	c.net.Isolate("l:1")
	v.Observe(replication.StateLost)

	require.Eventually(t, func() bool { return v.State() == StatePromoted }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestVoter_StartStop(t *testing.T) {
	v := NewVoter(VoterOptions{LiveID: liveID})
	require.NoError(t, v.Start())
	assert.ErrorIs(t, v.Start(), ErrAlreadyStarted)
	require.NoError(t, v.Stop())
	assert.ErrorIs(t, v.Stop(), ErrNotStarted)
}

func TestVoterState_String(t *testing.T) {
	names := map[VoterState]string{
		StatePassive:   "passive",
		StateSuspect:   "suspect",
		StateVoting:    "voting",
		StatePromoted:  "promoted",
		VoterState(17): "unknown",
	}
	for s, want := range names {
		if s.String() != want {
			t.Errorf("VoterState(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
