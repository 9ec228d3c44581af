package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

const (
	idA cluster.NodeID = "00000000-0000-0000-0000-00000000000a"
	idB cluster.NodeID = "00000000-0000-0000-0000-00000000000b"
	idC cluster.NodeID = "00000000-0000-0000-0000-00000000000c"
)

type testNode struct {
	id   cluster.NodeID
	addr string
	topo *cluster.Topology
	live *cluster.Liveness
	svc  *Service
	tr   *transport.MemTransport
}

func newTestNode(t *testing.T, n *transport.MemNetwork, id cluster.NodeID, addr string, connectors ...string) *testNode {
	t.Helper()

	topo := cluster.NewTopology(nil, metrics.NewRegistry())
	topo.Merge(cluster.SetLive(id, addr, topo.NextVersion()))
	live := cluster.NewLiveness(nil)
	tr := n.Endpoint(addr)

	svc := New(Options{
		Self:              id,
		Addr:              addr,
		Connectors:        connectors,
		Topology:          topo,
		Liveness:          live,
		Transport:         tr,
		AnnounceInterval:  50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		CallTimeout:       100 * time.Millisecond,
	})

	_, err := tr.Listen(addr, func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		if reply, ok, err := svc.Handle(ctx, env); ok {
			return reply, err
		}
		if _, ok := env.Packet.(*protocol.Ping); ok && (env.Target == id || env.Target == "") {
			return &protocol.Pong{NodeID: id, Live: true}, nil
		}
		return nil, protocol.ErrUnknownTarget
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		svc.Stop()
		tr.Close()
	})
	return &testNode{id: id, addr: addr, topo: topo, live: live, svc: svc, tr: tr}
}

func memberIDs(topo *cluster.Topology) []cluster.NodeID {
	var ids []cluster.NodeID
	for _, m := range topo.Members() {
		ids = append(ids, m.NodeID)
	}
	return ids
}

func TestDiscovery_ThreeNodesConverge(t *testing.T) {
	n := transport.NewMemNetwork()
	a := newTestNode(t, n, idA, "a:1")
	b := newTestNode(t, n, idB, "b:1", "a:1")
	c := newTestNode(t, n, idC, "c:1", "a:1")

	ctx := context.Background()
	require.NoError(t, a.svc.Start(ctx))
	require.NoError(t, b.svc.Start(ctx))
	require.NoError(t, c.svc.Start(ctx))

	want := []cluster.NodeID{idA, idB, idC}
	for _, node := range []*testNode{a, b, c} {
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, memberIDs(node.topo))
		}, 2*time.Second, 10*time.Millisecond, "node %s did not converge", node.id.Short())
	}

	m, ok := c.topo.Member(idB)
	require.True(t, ok)
	assert.Equal(t, "b:1", m.Live)
}

func TestDiscovery_UpdatesPropagate(t *testing.T) {
	n := transport.NewMemNetwork()
	a := newTestNode(t, n, idA, "a:1")
	b := newTestNode(t, n, idB, "b:1", "a:1")

	ctx := context.Background()
	require.NoError(t, a.svc.Start(ctx))
	require.NoError(t, b.svc.Start(ctx))

	require.Eventually(t, func() bool { return a.topo.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	b.topo.Merge(cluster.SetBackup(idB, "a:1", b.topo.NextVersion()))

	require.Eventually(t, func() bool {
		m, ok := a.topo.Member(idB)
		return ok && m.Backup == "a:1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDiscovery_HeartbeatFeedsLiveness(t *testing.T) {
	n := transport.NewMemNetwork()
	a := newTestNode(t, n, idA, "a:1")
	b := newTestNode(t, n, idB, "b:1", "a:1")

	ctx := context.Background()
	require.NoError(t, a.svc.Start(ctx))
	require.NoError(t, b.svc.Start(ctx))

	require.Eventually(t, func() bool {
		return a.live.Observed(idB, 100*time.Millisecond) && b.live.Observed(idA, 100*time.Millisecond)
	}, 2*time.Second, 10*time.Millisecond)

	n.Isolate("b:1")
	require.Eventually(t, func() bool {
		return !a.live.Observed(idB, 100*time.Millisecond)
	}, 2*time.Second, 10*time.Millisecond)

	// Partition never removes a member
	_, ok := a.topo.Member(idB)
	assert.True(t, ok)
}

func TestDiscovery_LeavePropagates(t *testing.T) {
	n := transport.NewMemNetwork()
	a := newTestNode(t, n, idA, "a:1")
	b := newTestNode(t, n, idB, "b:1", "a:1")
	c := newTestNode(t, n, idC, "c:1", "a:1")

	ctx := context.Background()
	for _, node := range []*testNode{a, b, c} {
		require.NoError(t, node.svc.Start(ctx))
	}
	require.Eventually(t, func() bool {
		return a.topo.Len() == 3 && c.topo.Len() == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.svc.Stop())
	b.svc.Leave(ctx)
	b.tr.Close()

	for _, node := range []*testNode{a, c} {
		require.Eventually(t, func() bool {
			_, ok := node.topo.Member(idB)
			return !ok
		}, 2*time.Second, 10*time.Millisecond)
		_, departed := node.topo.Departure(idB)
		assert.True(t, departed)
	}
}

func TestDiscovery_HandleAnnounceReturnsView(t *testing.T) {
	topo := cluster.NewTopology(nil, nil)
	topo.Merge(cluster.SetLive(idA, "a:1", 1))
	topo.Merge(cluster.SetLive(idC, "c:1", 1))
	topo.Remove(idC, 2)

	svc := New(Options{Self: idA, Addr: "a:1", Topology: topo})

	reply, ok, err := svc.Handle(context.Background(), protocol.Envelope{
		From:   idB,
		Packet: &protocol.TopologyAnnounce{Member: cluster.Member{NodeID: idB, Live: "b:1", LiveVersion: 3}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	view := reply.(*protocol.TopologyReply)
	assert.Len(t, view.Members, 2)
	assert.Equal(t, []cluster.Departure{{NodeID: idC, Version: 2}}, view.Departures)

	_, ok, _ = svc.Handle(context.Background(), protocol.Envelope{Packet: &protocol.Ping{}})
	assert.False(t, ok, "ping belongs to the server")
}

func TestDiscovery_SelfDepartureIsOverridden(t *testing.T) {
	topo := cluster.NewTopology(nil, nil)
	topo.Merge(cluster.SetLive(idA, "a:1", 5))
	svc := New(Options{Self: idA, Addr: "a:1", Topology: topo})

	_, _, err := svc.Handle(context.Background(), protocol.Envelope{
		Packet: &protocol.NodeLeft{Departure: cluster.Departure{NodeID: idA, Version: 9}},
	})
	require.NoError(t, err)

	m, ok := topo.Member(idA)
	require.True(t, ok, "a running node stays in its own topology")
	assert.Greater(t, m.LiveVersion, uint64(9))
	assert.Equal(t, "a:1", m.Live)
}

func TestDiscovery_StartStop(t *testing.T) {
	n := transport.NewMemNetwork()
	a := newTestNode(t, n, idA, "a:1")

	require.NoError(t, a.svc.Start(context.Background()))
	assert.ErrorIs(t, a.svc.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, a.svc.Stop())
	assert.ErrorIs(t, a.svc.Stop(), ErrNotStarted)
}
