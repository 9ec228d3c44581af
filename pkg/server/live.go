package server

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/ha"
	"github.com/dd0wney/cluso-mq/pkg/health"
	"github.com/dd0wney/cluso-mq/pkg/journal"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/quorum"
	"github.com/dd0wney/cluso-mq/pkg/replication"
)

// liveServer is one live identity served through the node's connector:
// the node's own, or one adopted by a FULL promotion.
type liveServer struct {
	id        cluster.NodeID
	journal   journal.Journal
	lock      *journal.DirLock
	source    *replication.Source
	guard     *quorum.LiveGuard
	acceptors []config.Acceptor
	// requester is set for adopted identities; the node's own request
	// cycle belongs to the HA manager.
	requester *ha.Requester
	closed    atomic.Bool
}

// openOwnLive opens the node's journal under its directory lock
func (s *Server) openOwnLive() (*liveServer, error) {
	var lock *journal.DirLock
	if !s.cfg.Storage.Memory {
		var err error
		lock, err = journal.TryLock(s.cfg.Storage.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to lock journal directory: %w", err)
		}
	}

	j, err := s.openJournal(s.cfg.Storage.Journal)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	return s.newLive(s.id, j, lock, []config.Acceptor{s.cfg.Node.Acceptor}), nil
}

func (s *Server) openJournal(dir string) (journal.Journal, error) {
	if s.deps.OpenJournal != nil {
		return s.deps.OpenJournal(dir)
	}
	if s.cfg.Storage.Memory {
		return journal.NewMemJournal(s.deps.Clock), nil
	}
	j, err := journal.OpenFile(dir, journal.FileOptions{
		Compress: s.cfg.Storage.CompressJournal,
		Sync:     s.cfg.Storage.SyncWrites,
		Clock:    s.deps.Clock,
		Logger:   s.deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", dir, err)
	}
	return j, nil
}

func (s *Server) newLive(id cluster.NodeID, j journal.Journal, lock *journal.DirLock, acceptors []config.Acceptor) *liveServer {
	l := &liveServer{
		id:        id,
		journal:   j,
		lock:      lock,
		acceptors: acceptors,
	}

	l.guard = quorum.NewLiveGuard(quorum.GuardOptions{
		Self:        id,
		Topology:    s.topo,
		Transport:   s.deps.Transport,
		Logger:      s.deps.Logger,
		Metrics:     s.deps.Metrics,
		CallTimeout: s.cfg.Cluster.CallTimeout,
		Size:        s.cfg.Quorum.Size,
		Fence:       s.fence,
	})

	logger := s.logger.With(logging.Peer(id.Short()))
	l.source = replication.NewSource(replication.SourceOptions{
		LiveID:            id,
		Journal:           j,
		Transport:         s.deps.Transport,
		Clock:             s.deps.Clock,
		Logger:            s.deps.Logger,
		Metrics:           s.deps.Metrics,
		BatchSize:         s.cfg.Replication.BatchSize,
		HeartbeatInterval: s.cfg.Replication.HeartbeatInterval,
		CallTimeout:       s.cfg.Cluster.CallTimeout,
		OnSynchronized: func(host cluster.NodeID) {
			s.deps.Metrics.SetSynchronized(id.String(), true)
			logger.Info("backup synchronized", logging.String("host", host.Short()))
		},
		OnLost: func(host cluster.NodeID, err error) {
			s.deps.Metrics.SetSynchronized(id.String(), false)
			if l.closed.Load() || !s.cfg.Quorum.VoteOnReplicationFailure {
				return
			}
			logger.Warn("lost backup, checking quorum", logging.String("host", host.Short()), logging.Error(err))
			l.guard.Check(s.ctx)
		},
	})
	return l
}

// handle answers the packets addressed to this live identity
func (l *liveServer) handle(env protocol.Envelope) (protocol.Packet, error) {
	switch p := env.Packet.(type) {
	case *protocol.Ping:
		return &protocol.Pong{NodeID: l.id, Live: !l.closed.Load() && !l.guard.Fenced()}, nil
	case *protocol.ReplicationStart:
		if l.closed.Load() {
			return nil, protocol.ErrStopped
		}
		accept, err := l.source.HandleStart(p)
		if err != nil {
			return nil, err
		}
		return accept, nil
	}
	return nil, fmt.Errorf("%w: %s for live %s", protocol.ErrBadRequest, env.Packet.Tag(), l.id.Short())
}

func (l *liveServer) status() (health.ReplicationState, bool) {
	st, ok := l.source.Status()
	if !ok {
		return health.ReplicationState{}, false
	}
	return health.ReplicationState{
		Peer:         l.id.Short() + "->" + st.Peer,
		Connected:    st.Connected,
		Synchronized: st.Synchronized,
		Lag:          st.Lag,
	}, true
}

func (l *liveServer) close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.requester != nil {
		l.requester.Stop()
	}
	var errs []error
	if err := l.source.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// lives returns every live server on this node: its own and the adopted ones
func (s *Server) lives() []*liveServer {
	var out []*liveServer
	if live := s.live.Load(); live != nil && !live.closed.Load() {
		out = append(out, live)
	}
	for _, backup := range s.manager.Promoted() {
		if b, ok := backup.(*backupServer); ok {
			if live := b.promoted(); live != nil && !live.closed.Load() {
				out = append(out, live)
			}
		}
	}
	return out
}

// Acceptors lists the client acceptors open on this node by live identity
func (s *Server) Acceptors() map[cluster.NodeID][]config.Acceptor {
	out := make(map[cluster.NodeID][]config.Acceptor)
	for _, live := range s.lives() {
		out[live.id] = live.acceptors
	}
	return out
}

// JournalOf returns the journal of the live server for id, if this node
// serves it.
func (s *Server) JournalOf(id cluster.NodeID) (journal.Journal, bool) {
	for _, live := range s.lives() {
		if live.id == id {
			return live.journal, true
		}
	}
	return nil, false
}
