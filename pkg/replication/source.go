package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/journal"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

// SourceOptions configures the live side of replication
type SourceOptions struct {
	LiveID    cluster.NodeID
	Journal   journal.Journal
	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry

	BatchSize         int
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration

	// OnSynchronized and OnLost are called from the session goroutine
	OnSynchronized func(backupHost cluster.NodeID)
	OnLost         func(backupHost cluster.NodeID, err error)
}

// Source serves replication sessions for one live server. At most one
// session is active; a new ReplicationStart replaces it.
type Source struct {
	opts   SourceOptions
	logger logging.Logger

	mu      sync.Mutex
	session *Session
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   group
}

// NewSource creates the live side of replication for opts.LiveID
func NewSource(opts SourceOptions) *Source {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	opts.HeartbeatInterval = orDuration(opts.HeartbeatInterval, defaultHeartbeatInterval)
	opts.CallTimeout = orDuration(opts.CallTimeout, defaultCallTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		opts:   opts,
		logger: opts.Logger.With(logging.Component("replication-source"), logging.NodeID(opts.LiveID.Short())),
		ctx:    ctx,
		cancel: cancel,
	}
}

// HandleStart opens a fresh session towards the requesting backup
func (s *Source) HandleStart(req *protocol.ReplicationStart) (*protocol.ReplicationAccept, error) {
	if req.SessionID == "" || req.BackupAddr == "" {
		return nil, protocol.ErrBadRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, protocol.ErrStopped
	}

	if old := s.session; old != nil {
		s.logger.Info("replacing replication session",
			logging.String("old_session", old.ID), logging.Peer(old.BackupHost.Short()))
		old.cancel()
	}

	sess := s.newSession(req)
	s.session = sess
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetSynchronized(s.opts.LiveID.String(), false)
	}

	s.group.Go(func() {
		err := sess.run()
		s.ended(sess, err)
	})

	s.logger.Info("replication session started",
		logging.String("session", sess.ID),
		logging.Peer(req.BackupHost.Short()),
		logging.Addr(req.BackupAddr),
		logging.Position(sess.startTail))
	return &protocol.ReplicationAccept{SessionID: sess.ID, Tail: sess.startTail}, nil
}

func (s *Source) ended(sess *Session, err error) {
	s.mu.Lock()
	current := s.session == sess
	if current {
		s.session = nil
	}
	s.mu.Unlock()

	if !current || errors.Is(err, context.Canceled) {
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetSynchronized(s.opts.LiveID.String(), false)
	}
	s.logger.Warn("replication session lost",
		logging.String("session", sess.ID), logging.Peer(sess.BackupHost.Short()), logging.Error(err))
	if s.opts.OnLost != nil {
		s.opts.OnLost(sess.BackupHost, err)
	}
}

// Synchronized reports whether the current backup holds every record
func (s *Source) Synchronized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.session.synced.Load()
}

// Status describes the current session, if any
func (s *Source) Status() (Status, bool) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return Status{}, false
	}

	acked := sess.lastAcked.Load()
	tail := s.opts.Journal.LastPosition()
	var lag uint64
	if tail > acked {
		lag = tail - acked
	}
	return Status{
		Peer:         sess.BackupHost.String(),
		Connected:    true,
		Synchronized: sess.synced.Load(),
		Lag:          lag,
	}, true
}

// Close ends any session and waits for its goroutine
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.group.Wait()
	return nil
}
