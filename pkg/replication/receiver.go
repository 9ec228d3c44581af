package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/journal"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

// ReceiverOptions configures the backup side of a replicated pair
type ReceiverOptions struct {
	LiveID   cluster.NodeID
	HostID   cluster.NodeID
	HostAddr string
	// LiveAddr resolves the live's current cluster connector
	LiveAddr func() string

	Journal   journal.Journal
	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry

	Timeout           time.Duration
	ReconnectInterval time.Duration
	CallTimeout       time.Duration

	// OnState is called after every state change, outside any lock
	OnState func(State)

	// MaxStorageFailures consecutive journal write failures make the
	// receiver give up; OnFatal is then called once, on its own goroutine.
	MaxStorageFailures int
	OnFatal            func(error)
}

// Receiver keeps a backup journal synchronized with its live
type Receiver struct {
	opts   ReceiverOptions
	logger logging.Logger
	life   lifecycle

	mu      sync.Mutex
	state   State
	session string
	fresh   bool
	synced  bool
	starts  int

	storageFailures int
	fatal           bool

	traffic chan struct{}
	broken  chan struct{}
}

// NewReceiver creates a stopped receiver
func NewReceiver(opts ReceiverOptions) *Receiver {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	opts.Timeout = orDuration(opts.Timeout, defaultTimeout)
	opts.ReconnectInterval = orDuration(opts.ReconnectInterval, defaultReconnect)
	opts.CallTimeout = orDuration(opts.CallTimeout, defaultCallTimeout)
	if opts.MaxStorageFailures <= 0 {
		opts.MaxStorageFailures = defaultStorageFailures
	}

	return &Receiver{
		opts:    opts,
		logger:  opts.Logger.With(logging.Component("replication-receiver"), logging.NodeID(opts.LiveID.Short())),
		traffic: make(chan struct{}, 1),
		broken:  make(chan struct{}, 1),
	}
}

// Start begins connecting to the live
func (r *Receiver) Start() error {
	return r.life.start(r.run)
}

// Stop ends the session; the journal keeps whatever was applied
func (r *Receiver) Stop() error {
	if err := r.life.stop(); err != nil {
		return err
	}
	r.mu.Lock()
	r.session = ""
	r.fresh = false
	r.synced = false
	r.mu.Unlock()
	r.setState(StateStopped)
	return nil
}

// State returns the current channel state
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Synchronized reports whether the backup journal holds every live record
func (r *Receiver) Synchronized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// Status describes the channel for health reporting
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Peer:         r.opts.LiveID.String(),
		Connected:    r.state.Up(),
		Synchronized: r.synced,
	}
}

func (r *Receiver) setState(s State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()

	if !changed {
		return
	}
	r.logger.Debug("replication state", logging.State(s.String()))
	if r.opts.Metrics != nil {
		r.opts.Metrics.SetSynchronized(r.opts.LiveID.String(), s == StateSynchronized)
	}
	if r.opts.OnState != nil {
		r.opts.OnState(s)
	}
}

func (r *Receiver) run(ctx context.Context) {
	first := true
	for ctx.Err() == nil {
		if !first && !r.sleep(ctx, r.opts.ReconnectInterval) {
			return
		}
		first = false

		if err := r.connect(ctx); err != nil {
			r.logger.Debug("failed to open replication session", logging.Error(err))
			continue
		}
		r.watch(ctx)
	}
}

func (r *Receiver) sleep(ctx context.Context, d time.Duration) bool {
	t := r.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// connect asks the live for a fresh session. The journal is reset only
// when the first packet of the new session arrives, so a failed attempt
// leaves the replicated records intact.
func (r *Receiver) connect(ctx context.Context) error {
	addr := ""
	if r.opts.LiveAddr != nil {
		addr = r.opts.LiveAddr()
	}
	if addr == "" {
		return fmt.Errorf("%w: no live connector for %s", transport.ErrUnreachable, r.opts.LiveID.Short())
	}

	sid := uuid.NewString()
	r.mu.Lock()
	r.session = sid
	r.fresh = true
	r.synced = false
	r.starts++
	resync := r.starts > 1
	r.mu.Unlock()
	drain(r.traffic)
	drain(r.broken)

	if resync && r.opts.Metrics != nil {
		r.opts.Metrics.ReplicationResyncsTotal.Inc()
	}
	if r.State() != StateLost {
		r.setState(StateConnecting)
	}

	cctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	accept, err := transport.CallAs[*protocol.ReplicationAccept](cctx, r.opts.Transport, addr, protocol.Envelope{
		From:   r.opts.HostID,
		Target: r.opts.LiveID,
		Packet: &protocol.ReplicationStart{
			SessionID:  sid,
			BackupHost: r.opts.HostID,
			BackupAddr: r.opts.HostAddr,
		},
	})

	r.mu.Lock()
	if err != nil || accept.SessionID != sid || r.session != sid {
		if r.session == sid {
			r.session = ""
			r.fresh = false
		}
		r.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: accepted %s", ErrUnknownSession, accept.SessionID)
		}
		return err
	}
	promote := r.state == StateConnecting || r.state == StateLost
	r.mu.Unlock()

	if promote {
		r.setState(StateConnected)
	}
	r.logger.Info("replication session opened", logging.String("session", sid), logging.Position(accept.Tail))
	return nil
}

// watch returns when the session is lost or ctx ends
func (r *Receiver) watch(ctx context.Context) {
	timer := r.opts.Clock.NewTimer(r.opts.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.traffic:
			timer.Reset(r.opts.Timeout)
		case <-r.broken:
			r.lose("session rejected")
			return
		case <-timer.C():
			r.lose("no traffic from live")
			return
		}
	}
}

func (r *Receiver) lose(reason string) {
	r.mu.Lock()
	r.session = ""
	r.fresh = false
	r.synced = false
	r.mu.Unlock()

	r.logger.Warn("replication channel lost", logging.String("reason", reason))
	r.setState(StateLost)
}

func (r *Receiver) touch() {
	select {
	case r.traffic <- struct{}{}:
	default:
	}
}

// Handle applies the replication packets a live pushes to this backup.
// ok is false for packets that belong to another component.
func (r *Receiver) Handle(ctx context.Context, env protocol.Envelope) (reply protocol.Packet, ok bool, err error) {
	switch p := env.Packet.(type) {
	case *protocol.ReplicationBatch:
		return r.applyBatch(p), true, nil
	case *protocol.ReplicationSynced:
		return r.applySynced(p), true, nil
	case *protocol.ReplicationHeartbeat:
		if !r.admit(p.SessionID) {
			return r.unknown(p.SessionID), true, nil
		}
		r.touch()
		return &protocol.ReplicationAck{SessionID: p.SessionID, Position: r.opts.Journal.LastPosition()}, true, nil
	default:
		return nil, false, nil
	}
}

// admit checks the session and performs the deferred reset on its first packet
func (r *Receiver) admit(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked(sid)
}

func (r *Receiver) admitLocked(sid string) bool {
	if sid == "" || sid != r.session {
		return false
	}
	if r.fresh {
		if err := r.opts.Journal.Reset(); err != nil {
			r.logger.Error("failed to reset backup journal", logging.Error(err))
			r.storageFailedLocked(err)
			return false
		}
		r.fresh = false
	}
	return true
}

// storageError reports whether a journal write failed for reasons other
// than the record itself
func storageError(err error) bool {
	return !errors.Is(err, journal.ErrOutOfOrder) && !errors.Is(err, journal.ErrChecksum)
}

// storageFailedLocked counts a journal write failure and gives up after
// MaxStorageFailures in a row
func (r *Receiver) storageFailedLocked(err error) {
	r.storageFailures++
	if r.fatal || r.storageFailures < r.opts.MaxStorageFailures {
		return
	}
	r.fatal = true
	r.logger.Error("backup journal keeps failing, giving up",
		logging.Count(r.storageFailures), logging.Error(err))
	if r.opts.OnFatal != nil {
		go r.opts.OnFatal(fmt.Errorf("backup journal failed %d times: %w", r.storageFailures, err))
	}
}

// Failed reports whether the receiver gave up on its journal
func (r *Receiver) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *Receiver) unknown(sid string) protocol.Packet {
	return &protocol.ReplicationNack{
		SessionID: sid,
		Expected:  r.opts.Journal.LastPosition() + 1,
		Reason:    ErrUnknownSession.Error(),
	}
}

func (r *Receiver) applyBatch(p *protocol.ReplicationBatch) protocol.Packet {
	r.mu.Lock()
	if !r.admitLocked(p.SessionID) {
		r.mu.Unlock()
		return r.unknown(p.SessionID)
	}

	bytes := 0
	for _, rec := range p.Records {
		if err := r.opts.Journal.ApplyAt(rec); err != nil {
			if storageError(err) {
				r.storageFailedLocked(err)
			}
			r.mu.Unlock()
			r.logger.Warn("rejecting replication batch", logging.Position(rec.Position), logging.Error(err))
			select {
			case r.broken <- struct{}{}:
			default:
			}
			return &protocol.ReplicationNack{
				SessionID: p.SessionID,
				Expected:  r.opts.Journal.LastPosition() + 1,
				Reason:    err.Error(),
			}
		}
		bytes += len(rec.Data)
	}
	r.storageFailures = 0
	last := r.opts.Journal.LastPosition()
	r.mu.Unlock()

	r.touch()
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordReplication("applied", len(p.Records), bytes)
	}
	return &protocol.ReplicationAck{SessionID: p.SessionID, Position: last}
}

func (r *Receiver) applySynced(p *protocol.ReplicationSynced) protocol.Packet {
	r.mu.Lock()
	if !r.admitLocked(p.SessionID) {
		r.mu.Unlock()
		return r.unknown(p.SessionID)
	}
	last := r.opts.Journal.LastPosition()
	if last != p.Position {
		r.mu.Unlock()
		select {
		case r.broken <- struct{}{}:
		default:
		}
		return &protocol.ReplicationNack{
			SessionID: p.SessionID,
			Expected:  last + 1,
			Reason:    fmt.Sprintf("synchronized at %d but journal ends at %d", p.Position, last),
		}
	}
	r.synced = true
	r.mu.Unlock()

	r.touch()
	r.logger.Info("backup synchronized", logging.Position(last))
	r.setState(StateSynchronized)
	return &protocol.ReplicationAck{SessionID: p.SessionID, Position: last}
}
