package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

var inprocSeq atomic.Int64

func inprocAddr(t *testing.T) string {
	return fmt.Sprintf("inproc://%s-%d", t.Name(), inprocSeq.Add(1))
}

func TestMangos_CallRoundTrip(t *testing.T) {
	m := NewMangos(MangosOptions{Workers: 2, CallTimeout: 2 * time.Second})
	defer m.Close()

	addr := inprocAddr(t)
	l, err := m.Listen(addr, pongHandler("b"))
	require.NoError(t, err)
	defer l.Close()

	pong, err := CallAs[*protocol.Pong](context.Background(), m, addr, protocol.Envelope{From: "a", Target: "b", Packet: &protocol.Ping{}})
	require.NoError(t, err)
	assert.Equal(t, "b", pong.NodeID.String())
}

func TestMangos_ConcurrentCalls(t *testing.T) {
	m := NewMangos(MangosOptions{Workers: 4, CallTimeout: 2 * time.Second})
	defer m.Close()

	addr := inprocAddr(t)
	_, err := m.Listen(addr, func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		req := env.Packet.(*protocol.ReplicationAck)
		return &protocol.ReplicationAck{SessionID: req.SessionID, Position: req.Position + 1}, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := CallAs[*protocol.ReplicationAck](context.Background(), m, addr,
				protocol.Envelope{Packet: &protocol.ReplicationAck{SessionID: "s", Position: uint64(i)}})
			if err != nil {
				errs <- err
				return
			}
			if ack.Position != uint64(i)+1 {
				errs <- fmt.Errorf("call %d answered with %d", i, ack.Position)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMangos_HandlerError(t *testing.T) {
	m := NewMangos(MangosOptions{})
	defer m.Close()

	addr := inprocAddr(t)
	_, err := m.Listen(addr, pongHandler("b"))
	require.NoError(t, err)

	_, err = m.Call(context.Background(), addr, protocol.Envelope{Packet: &protocol.VoteRequest{}})
	assert.ErrorIs(t, err, protocol.ErrBadRequest)
}

func TestMangos_NoListenerTimesOut(t *testing.T) {
	m := NewMangos(MangosOptions{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := m.Call(ctx, inprocAddr(t), protocol.Envelope{Packet: &protocol.Ping{}})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMangos_ClosedTransport(t *testing.T) {
	m := NewMangos(MangosOptions{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Listen(inprocAddr(t), pongHandler("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Call(context.Background(), inprocAddr(t), protocol.Envelope{Packet: &protocol.Ping{}})
	assert.ErrorIs(t, err, ErrClosed)
}
