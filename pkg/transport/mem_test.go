package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

func pongHandler(id cluster.NodeID) Handler {
	return func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		switch env.Packet.(type) {
		case *protocol.Ping:
			return &protocol.Pong{NodeID: id, Live: true}, nil
		default:
			return nil, protocol.ErrBadRequest
		}
	}
}

func TestMemNetwork_CallRoundTrip(t *testing.T) {
	n := NewMemNetwork()
	a := n.Endpoint("a:1")
	b := n.Endpoint("b:1")
	defer a.Close()
	defer b.Close()

	_, err := b.Listen("b:1", pongHandler("b"))
	require.NoError(t, err)

	pong, err := CallAs[*protocol.Pong](context.Background(), a, "b:1", protocol.Envelope{From: "a", Target: "b", Packet: &protocol.Ping{}})
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeID("b"), pong.NodeID)
	assert.True(t, pong.Live)
}

func TestMemNetwork_HandlerErrorCrossesWire(t *testing.T) {
	n := NewMemNetwork()
	a := n.Endpoint("a:1")
	b := n.Endpoint("b:1")

	_, err := b.Listen("b:1", pongHandler("b"))
	require.NoError(t, err)

	_, err = a.Call(context.Background(), "b:1", protocol.Envelope{From: "a", Packet: &protocol.VoteRequest{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrBadRequest), "expected ErrBadRequest, got %v", err)
	assert.False(t, errors.Is(err, ErrUnreachable))
}

func TestMemNetwork_NilReplyIsAck(t *testing.T) {
	n := NewMemNetwork()
	a := n.Endpoint("a:1")
	_, err := a.Listen("a:1", func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		return nil, nil
	})
	require.NoError(t, err)

	reply, err := a.Call(context.Background(), "a:1", protocol.Envelope{Packet: &protocol.Ping{}})
	require.NoError(t, err)
	assert.IsType(t, &protocol.Ack{}, reply)
}

func TestMemNetwork_UnknownAddress(t *testing.T) {
	n := NewMemNetwork()
	a := n.Endpoint("a:1")

	_, err := a.Call(context.Background(), "nowhere:1", protocol.Envelope{Packet: &protocol.Ping{}})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMemNetwork_AddressInUse(t *testing.T) {
	n := NewMemNetwork()
	a := n.Endpoint("a:1")
	b := n.Endpoint("b:1")

	_, err := a.Listen("shared:1", pongHandler("a"))
	require.NoError(t, err)
	_, err = b.Listen("shared:1", pongHandler("b"))
	assert.ErrorIs(t, err, ErrAddrInUse)
}

func TestMemNetwork_PartitionAndHeal(t *testing.T) {
	n := NewMemNetwork()
	eps := map[string]*MemTransport{}
	for _, addr := range []string{"a:1", "b:1", "c:1"} {
		eps[addr] = n.Endpoint(addr)
		_, err := eps[addr].Listen(addr, pongHandler(cluster.NodeID(addr)))
		require.NoError(t, err)
	}

	ping := protocol.Envelope{Packet: &protocol.Ping{}}
	ctx := context.Background()

	n.Partition([]string{"a:1"}, []string{"b:1", "c:1"})

	_, err := eps["a:1"].Call(ctx, "b:1", ping)
	assert.ErrorIs(t, err, ErrUnreachable)
	_, err = eps["c:1"].Call(ctx, "a:1", ping)
	assert.ErrorIs(t, err, ErrUnreachable)
	_, err = eps["b:1"].Call(ctx, "c:1", ping)
	assert.NoError(t, err)

	// A node always reaches its own listeners
	_, err = eps["a:1"].Call(ctx, "a:1", ping)
	assert.NoError(t, err)

	n.Heal()
	_, err = eps["a:1"].Call(ctx, "b:1", ping)
	assert.NoError(t, err)

	n.Isolate("c:1")
	assert.False(t, n.Reachable("a:1", "c:1"))
	assert.True(t, n.Reachable("a:1", "b:1"))
}

func TestMemNetwork_ContextTimeout(t *testing.T) {
	n := NewMemNetwork()
	a := n.Endpoint("a:1")
	release := make(chan struct{})
	defer close(release)

	_, err := a.Listen("slow:1", func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &protocol.Ack{}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Call(ctx, "slow:1", protocol.Envelope{Packet: &protocol.Ping{}})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMemNetwork_CloseStopsListeners(t *testing.T) {
	n := NewMemNetwork()
	a := n.Endpoint("a:1")
	b := n.Endpoint("b:1")

	_, err := b.Listen("b:1", pongHandler("b"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = a.Call(context.Background(), "b:1", protocol.Envelope{Packet: &protocol.Ping{}})
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = b.Listen("b:2", pongHandler("b"))
	assert.ErrorIs(t, err, ErrClosed)

	// The address is free again for a restarted node
	b2 := n.Endpoint("b:1")
	_, err = b2.Listen("b:1", pongHandler("b"))
	assert.NoError(t, err)
}

func TestURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:5000", URL("localhost:5000"))
	assert.Equal(t, "inproc://x", URL("inproc://x"))
}
