package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/journal"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

const (
	liveID cluster.NodeID = "00000000-0000-0000-0000-00000000000a"
	hostID cluster.NodeID = "00000000-0000-0000-0000-00000000000b"
)

type pair struct {
	net      *transport.MemNetwork
	liveJ    *journal.MemJournal
	backupJ  *journal.MemJournal
	source   *Source
	receiver *Receiver
	reg      *metrics.Registry

	mu     sync.Mutex
	states []State
	lost   int
}

func newPair(t testing.TB, liveAddr, hostAddr string) *pair {
	p := &pair{
		net:     transport.NewMemNetwork(),
		liveJ:   journal.NewMemJournal(nil),
		backupJ: journal.NewMemJournal(nil),
		reg:     metrics.NewRegistry(),
	}
	liveT := p.net.Endpoint(liveAddr)
	hostT := p.net.Endpoint(hostAddr)

	p.source = NewSource(SourceOptions{
		LiveID:            liveID,
		Journal:           p.liveJ,
		Transport:         liveT,
		Metrics:           p.reg,
		BatchSize:         7,
		HeartbeatInterval: 20 * time.Millisecond,
		CallTimeout:       100 * time.Millisecond,
		OnLost: func(cluster.NodeID, error) {
			p.mu.Lock()
			p.lost++
			p.mu.Unlock()
		},
	})
	p.receiver = NewReceiver(ReceiverOptions{
		LiveID:            liveID,
		HostID:            hostID,
		HostAddr:          hostAddr,
		LiveAddr:          func() string { return liveAddr },
		Journal:           p.backupJ,
		Transport:         hostT,
		Metrics:           p.reg,
		Timeout:           150 * time.Millisecond,
		ReconnectInterval: 30 * time.Millisecond,
		CallTimeout:       100 * time.Millisecond,
		OnState: func(s State) {
			p.mu.Lock()
			p.states = append(p.states, s)
			p.mu.Unlock()
		},
	})

	_, err := liveT.Listen(liveAddr, func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		if req, ok := env.Packet.(*protocol.ReplicationStart); ok {
			return p.source.HandleStart(req)
		}
		return nil, protocol.ErrBadRequest
	})
	if err != nil {
		t.Fatalf("listen live: %v", err)
	}
	_, err = hostT.Listen(hostAddr, func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		if env.Target != liveID {
			return nil, protocol.ErrUnknownTarget
		}
		reply, ok, err := p.receiver.Handle(ctx, env)
		if !ok {
			return nil, protocol.ErrBadRequest
		}
		return reply, err
	})
	if err != nil {
		t.Fatalf("listen host: %v", err)
	}
	return p
}

func (p *pair) close() {
	p.receiver.Stop()
	p.source.Close()
}

func (p *pair) sawState(s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.states {
		if got == s {
			return true
		}
	}
	return false
}

func appendN(t testing.TB, j journal.Journal, prefix string, n int) {
	for i := 0; i < n; i++ {
		if _, err := j.Append([]byte(fmt.Sprintf("%s-%d", prefix, i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

// sameJournal reports whether both journals hold identical records
func sameJournal(a, b journal.Journal) bool {
	if a.LastPosition() != b.LastPosition() {
		return false
	}
	ra, err := a.Read(1, 0)
	if err != nil {
		return false
	}
	rb, err := b.Read(1, 0)
	if err != nil || len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		if ra[i].Position != rb[i].Position || !bytes.Equal(ra[i].Data, rb[i].Data) || ra[i].Checksum != rb[i].Checksum {
			return false
		}
	}
	return true
}

func TestReplication_SynchronizesExistingAndNewRecords(t *testing.T) {
	p := newPair(t, "live:1", "host:1")
	defer p.close()

	appendN(t, p.liveJ, "before", 40)
	require.NoError(t, p.receiver.Start())

	require.Eventually(t, func() bool {
		return p.receiver.Synchronized() && p.source.Synchronized()
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sameJournal(p.liveJ, p.backupJ))
	assert.Equal(t, StateSynchronized, p.receiver.State())

	appendN(t, p.liveJ, "after", 25)
	require.Eventually(t, func() bool { return sameJournal(p.liveJ, p.backupJ) }, 2*time.Second, 5*time.Millisecond)

	status, ok := p.source.Status()
	require.True(t, ok)
	assert.Equal(t, hostID.String(), status.Peer)
	assert.True(t, status.Synchronized)
}

func TestReplication_EmptyJournalSynchronizes(t *testing.T) {
	p := newPair(t, "live:1", "host:1")
	defer p.close()

	require.NoError(t, p.receiver.Start())
	require.Eventually(t, p.receiver.Synchronized, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), p.backupJ.LastPosition())
}

func TestReplication_ResyncsFromScratchAfterDrop(t *testing.T) {
	p := newPair(t, "live:1", "host:1")
	defer p.close()

	appendN(t, p.liveJ, "r", 30)
	require.NoError(t, p.receiver.Start())
	require.Eventually(t, p.receiver.Synchronized, 2*time.Second, 5*time.Millisecond)

	p.net.Isolate("host:1")
	require.Eventually(t, func() bool { return p.receiver.State() == StateLost }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, p.receiver.Synchronized())

	// The replicated records survive the loss until a new session starts
	assert.Equal(t, uint64(30), p.backupJ.LastPosition())

	appendN(t, p.liveJ, "during", 10)
	p.net.Heal()

	require.Eventually(t, func() bool {
		return p.receiver.Synchronized() && sameJournal(p.liveJ, p.backupJ)
	}, 3*time.Second, 5*time.Millisecond)
	assert.True(t, p.sawState(StateLost))
	assert.GreaterOrEqual(t, testutil.ToFloat64(p.reg.ReplicationResyncsTotal), 1.0)

	p.mu.Lock()
	lost := p.lost
	p.mu.Unlock()
	assert.GreaterOrEqual(t, lost, 1, "live notices the lost session")
}

func TestReplication_StopKeepsJournal(t *testing.T) {
	p := newPair(t, "live:1", "host:1")

	appendN(t, p.liveJ, "k", 12)
	require.NoError(t, p.receiver.Start())
	require.Eventually(t, p.receiver.Synchronized, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.receiver.Stop())
	assert.ErrorIs(t, p.receiver.Stop(), ErrNotStarted)
	assert.Equal(t, StateStopped, p.receiver.State())
	assert.Equal(t, uint64(12), p.backupJ.LastPosition())
	p.source.Close()
}

func TestReceiver_FailedConnectKeepsJournal(t *testing.T) {
	j := journal.NewMemJournal(nil)
	appendN(t, j, "old", 5)

	net := transport.NewMemNetwork()
	r := NewReceiver(ReceiverOptions{
		LiveID:            liveID,
		HostID:            hostID,
		HostAddr:          "host:1",
		LiveAddr:          func() string { return "gone:1" },
		Journal:           j,
		Transport:         net.Endpoint("host:1"),
		ReconnectInterval: 10 * time.Millisecond,
		CallTimeout:       20 * time.Millisecond,
	})
	require.NoError(t, r.Start())
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.Stop())

	assert.Equal(t, uint64(5), j.LastPosition())
}

func TestReceiver_RejectsUnknownSessionAndGaps(t *testing.T) {
	j := journal.NewMemJournal(nil)
	r := NewReceiver(ReceiverOptions{LiveID: liveID, Journal: j})

	reply, ok, err := r.Handle(context.Background(), protocol.Envelope{Packet: &protocol.ReplicationBatch{
		SessionID: "nope",
		Records:   []journal.Record{journal.NewRecord(1, []byte("x"), 0)},
	}})
	require.NoError(t, err)
	require.True(t, ok)
	require.IsType(t, &protocol.ReplicationNack{}, reply)
	assert.Equal(t, uint64(0), j.LastPosition())

	// Simulate an opened session
	r.mu.Lock()
	r.session = "s1"
	r.fresh = true
	r.mu.Unlock()

	reply, _, _ = r.Handle(context.Background(), protocol.Envelope{Packet: &protocol.ReplicationBatch{
		SessionID: "s1",
		Records: []journal.Record{
			journal.NewRecord(1, []byte("a"), 0),
			journal.NewRecord(3, []byte("c"), 0),
		},
	}})
	nack, isNack := reply.(*protocol.ReplicationNack)
	require.True(t, isNack, "gap must be rejected, got %T", reply)
	assert.Equal(t, uint64(2), nack.Expected)

	select {
	case <-r.broken:
	default:
		t.Error("expected the session to be marked broken")
	}

	corrupt := journal.NewRecord(2, []byte("b"), 0)
	corrupt.Checksum++
	reply, _, _ = r.Handle(context.Background(), protocol.Envelope{Packet: &protocol.ReplicationBatch{
		SessionID: "s1", Records: []journal.Record{corrupt},
	}})
	assert.IsType(t, &protocol.ReplicationNack{}, reply)

	_, ok, _ = r.Handle(context.Background(), protocol.Envelope{Packet: &protocol.Ping{}})
	assert.False(t, ok)
}

type brokenDisk struct {
	*journal.MemJournal
	resets int
}

var errNoSpace = errors.New("no space left on device")

func (d *brokenDisk) Reset() error {
	d.resets++
	return errNoSpace
}

func (d *brokenDisk) ApplyAt(journal.Record) error { return errNoSpace }

func TestReceiver_GivesUpAfterRepeatedStorageFailures(t *testing.T) {
	disk := &brokenDisk{MemJournal: journal.NewMemJournal(nil)}
	fatal := make(chan error, 1)
	r := NewReceiver(ReceiverOptions{
		LiveID:             liveID,
		Journal:            disk,
		MaxStorageFailures: 2,
		OnFatal:            func(err error) { fatal <- err },
	})

	open := func(sid string) {
		r.mu.Lock()
		r.session = sid
		r.fresh = true
		r.mu.Unlock()
	}
	batch := func(sid string) protocol.Packet {
		reply, ok, err := r.Handle(context.Background(), protocol.Envelope{Packet: &protocol.ReplicationBatch{
			SessionID: sid,
			Records:   []journal.Record{journal.NewRecord(1, []byte("x"), 0)},
		}})
		require.NoError(t, err)
		require.True(t, ok)
		return reply
	}

	open("s1")
	assert.IsType(t, &protocol.ReplicationNack{}, batch("s1"))
	assert.False(t, r.Failed())

	open("s2")
	assert.IsType(t, &protocol.ReplicationNack{}, batch("s2"))
	assert.True(t, r.Failed())
	assert.Equal(t, 2, disk.resets)

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, errNoSpace)
	case <-time.After(time.Second):
		t.Fatal("expected OnFatal to be called")
	}

	// further failures do not report again
	open("s3")
	batch("s3")
	select {
	case err := <-fatal:
		t.Fatalf("OnFatal called twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiver_RecordFaultsAreNotStorageFailures(t *testing.T) {
	j := journal.NewMemJournal(nil)
	r := NewReceiver(ReceiverOptions{LiveID: liveID, Journal: j, MaxStorageFailures: 1,
		OnFatal: func(error) { t.Error("record faults must not be fatal") }})

	r.mu.Lock()
	r.session = "s1"
	r.fresh = true
	r.mu.Unlock()

	corrupt := journal.NewRecord(1, []byte("a"), 0)
	corrupt.Checksum++
	for _, rec := range []journal.Record{corrupt, journal.NewRecord(5, []byte("e"), 0)} {
		reply, _, _ := r.Handle(context.Background(), protocol.Envelope{Packet: &protocol.ReplicationBatch{
			SessionID: "s1", Records: []journal.Record{rec},
		}})
		assert.IsType(t, &protocol.ReplicationNack{}, reply)
	}
	assert.False(t, r.Failed())
}

func TestSource_RejectsIncompleteStart(t *testing.T) {
	s := NewSource(SourceOptions{LiveID: liveID, Journal: journal.NewMemJournal(nil)})
	defer s.Close()

	_, err := s.HandleStart(&protocol.ReplicationStart{SessionID: "s"})
	assert.ErrorIs(t, err, protocol.ErrBadRequest)

	s.Close()
	_, err = s.HandleStart(&protocol.ReplicationStart{SessionID: "s", BackupAddr: "h:1"})
	assert.ErrorIs(t, err, protocol.ErrStopped)
}

func TestReplication_SyncCompletenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("backup reproduces the live journal", prop.ForAll(
		func(before, after [][]byte) bool {
			seq++
			p := newPair(t, fmt.Sprintf("live:%d", seq), fmt.Sprintf("host:%d", seq))
			defer p.close()

			for _, d := range before {
				p.liveJ.Append(d)
			}
			if err := p.receiver.Start(); err != nil {
				return false
			}
			for _, d := range after {
				p.liveJ.Append(d)
			}

			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if p.source.Synchronized() && sameJournal(p.liveJ, p.backupJ) {
					return true
				}
				time.Sleep(5 * time.Millisecond)
			}
			return false
		},
		gen.SliceOfN(20, gen.SliceOf(gen.UInt8())),
		gen.SliceOfN(20, gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}

func TestLink_LostAndRestored(t *testing.T) {
	net := transport.NewMemNetwork()
	liveT := net.Endpoint("live:1")
	_, err := liveT.Listen("live:1", func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
		return &protocol.Pong{NodeID: env.Target, Live: env.Target == liveID}, nil
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var states []State
	l := NewLink(LinkOptions{
		LiveID:      liveID,
		HostID:      hostID,
		LiveAddr:    func() string { return "live:1" },
		Transport:   net.Endpoint("host:1"),
		Interval:    10 * time.Millisecond,
		Timeout:     60 * time.Millisecond,
		CallTimeout: 20 * time.Millisecond,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, l.Start())
	defer l.Stop()

	require.Eventually(t, l.Synchronized, time.Second, 5*time.Millisecond)

	net.Isolate("live:1")
	require.Eventually(t, func() bool { return l.State() == StateLost }, time.Second, 5*time.Millisecond)

	net.Heal()
	require.Eventually(t, l.Synchronized, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateSynchronized, StateLost, StateSynchronized}, states)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
		up    bool
	}{
		{StateStopped, "stopped", false},
		{StateConnecting, "connecting", false},
		{StateConnected, "connected", true},
		{StateSynchronized, "synchronized", true},
		{StateLost, "lost", false},
		{State(42), "unknown", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if got := tt.state.Up(); got != tt.up {
			t.Errorf("State(%d).Up() = %v, want %v", tt.state, got, tt.up)
		}
	}
}
