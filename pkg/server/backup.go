package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

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

// ErrNoScaleDownTarget is returned when a SCALE_DOWN backup has no live
// journal on its host to hand its records to.
var ErrNoScaleDownTarget = errors.New("host has no live journal to scale down into")

// channel is the backup side of a pair with its health summary
type channel interface {
	replication.Channel
	Status() replication.Status
}

// backupServer is a backup hosted by this node for a live elsewhere.
// Once a FULL promotion succeeds it serves the adopted identity.
type backupServer struct {
	node   *Server
	alloc  ha.Allocation
	logger logging.Logger

	journal  journal.Journal
	receiver *replication.Receiver
	channel  channel
	voter    *quorum.Voter

	mu      sync.Mutex
	live    *liveServer
	stopped bool
}

var _ ha.BackupServer = (*backupServer)(nil)

// launchBackup is the HA manager's Launcher
func (s *Server) launchBackup(alloc ha.Allocation) (ha.BackupServer, error) {
	b := &backupServer{
		node:   s,
		alloc:  alloc,
		logger: s.logger.With(logging.Component("backup"), logging.Peer(alloc.BackupOf.Short())),
	}

	b.voter = quorum.NewVoter(quorum.VoterOptions{
		Self:          s.id,
		LiveID:        alloc.BackupOf,
		Topology:      s.topo,
		Liveness:      s.liveness,
		Transport:     s.deps.Transport,
		Clock:         s.deps.Clock,
		Logger:        s.deps.Logger,
		Metrics:       s.deps.Metrics,
		GracePeriod:   s.cfg.Quorum.GracePeriod,
		VoteTimeout:   s.cfg.Quorum.VoteTimeout,
		RetryInterval: s.cfg.Quorum.RetryInterval,
		CallTimeout:   s.cfg.Cluster.CallTimeout,
		Size:          s.cfg.Quorum.Size,
		Promote:       b.promote,
	})

	onState := func(st replication.State) {
		b.voter.Observe(st)
		s.deps.Metrics.SetSynchronized(alloc.BackupOf.String()+"@backup", st == replication.StateSynchronized)
	}

	if alloc.Policy.SharedStore() {
		b.channel = replication.NewLink(replication.LinkOptions{
			LiveID:      alloc.BackupOf,
			HostID:      s.id,
			LiveAddr:    b.liveAddr,
			Transport:   s.deps.Transport,
			Clock:       s.deps.Clock,
			Logger:      s.deps.Logger,
			Interval:    s.cfg.Replication.HeartbeatInterval,
			Timeout:     s.cfg.Replication.Timeout,
			CallTimeout: s.cfg.Cluster.CallTimeout,
			OnState:     onState,
		})
	} else {
		j, err := s.openJournal(alloc.Storage.Journal)
		if err != nil {
			return nil, err
		}
		b.journal = j
		b.receiver = replication.NewReceiver(replication.ReceiverOptions{
			LiveID:            alloc.BackupOf,
			HostID:            s.id,
			HostAddr:          s.addr,
			LiveAddr:          b.liveAddr,
			Journal:           j,
			Transport:         s.deps.Transport,
			Clock:             s.deps.Clock,
			Logger:            s.deps.Logger,
			Metrics:           s.deps.Metrics,
			Timeout:           s.cfg.Replication.Timeout,
			ReconnectInterval: s.cfg.Replication.ReconnectInterval,
			CallTimeout:       s.cfg.Cluster.CallTimeout,
			OnState:           onState,
			OnFatal:           b.fail,
		})
		b.channel = b.receiver
	}

	if err := b.voter.Start(); err != nil {
		b.closeJournal()
		return nil, err
	}
	if err := b.channel.Start(); err != nil {
		_ = b.voter.Stop()
		b.closeJournal()
		return nil, fmt.Errorf("failed to start replication channel: %w", err)
	}

	b.logger.Info("backup started",
		logging.Int("slot", alloc.Slot),
		logging.String("strategy", string(alloc.Strategy)),
		logging.Path(alloc.Storage.Journal))
	return b, nil
}

func (b *backupServer) LiveID() cluster.NodeID     { return b.alloc.BackupOf }
func (b *backupServer) Allocation() ha.Allocation { return b.alloc }

// liveAddr resolves where the protected live currently answers
func (b *backupServer) liveAddr() string {
	if m, ok := b.node.topo.Member(b.alloc.BackupOf); ok && m.Live != "" {
		return m.Live
	}
	return b.alloc.LiveAddr
}

// promoted returns the adopted live server after a FULL promotion
func (b *backupServer) promoted() *liveServer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// handle serves the packets addressed to the protected identity
func (b *backupServer) handle(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
	if live := b.promoted(); live != nil {
		return live.handle(env)
	}
	if b.receiver != nil {
		if reply, ok, err := b.receiver.Handle(ctx, env); ok {
			return reply, err
		}
	}
	if _, ok := env.Packet.(*protocol.Ping); ok {
		return &protocol.Pong{NodeID: b.alloc.BackupOf, Live: false}, nil
	}
	return nil, fmt.Errorf("%w: %s for backup of %s", protocol.ErrBadRequest, env.Packet.Tag(), b.alloc.BackupOf.Short())
}

func (b *backupServer) status() health.ReplicationState {
	if live := b.promoted(); live != nil {
		st, _ := live.status()
		return st
	}
	st := b.channel.Status()
	return health.ReplicationState{
		Peer:         b.alloc.BackupOf.Short() + "@backup",
		Connected:    st.Connected,
		Synchronized: st.Synchronized,
		Lag:          st.Lag,
	}
}

// Stop ends the channel, the voter and, after a FULL promotion, the
// adopted live server. It is idempotent.
func (b *backupServer) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	live := b.live
	b.mu.Unlock()

	_ = b.voter.Stop()
	_ = b.channel.Stop()
	if live != nil {
		return live.close()
	}
	b.closeJournal()
	b.logger.Info("backup stopped")
	return nil
}

// fail is the crash path: the backup stops on its own and its host frees
// the slot so the live asks for a new backup
func (b *backupServer) fail(cause error) {
	b.logger.Error("backup failed", logging.Error(cause))
	if err := b.Stop(); err != nil {
		b.logger.Warn("failed to stop failed backup", logging.Error(err))
	}
	if current, ok := b.node.manager.Backup(b.alloc.BackupOf); ok && current == ha.BackupServer(b) {
		b.node.manager.BackupExited(b.alloc.BackupOf, cause)
	}
}

func (b *backupServer) closeJournal() {
	if b.journal == nil {
		return
	}
	if err := b.journal.Close(); err != nil {
		b.logger.Warn("failed to close backup journal", logging.Error(err))
	}
}

// promote runs on the voter goroutine once a quorum agrees the live is
// down. It must not stop the voter.
func (b *backupServer) promote(ctx context.Context) error {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return protocol.ErrStopped
	}

	var err error
	if b.alloc.Strategy == config.StrategyScaleDown {
		err = b.scaleDown(ctx)
	} else {
		err = b.takeOver()
	}
	if err != nil {
		return err
	}
	b.node.deps.Metrics.PromotionsTotal.WithLabelValues(string(b.strategy())).Inc()
	return nil
}

func (b *backupServer) strategy() config.Strategy {
	if b.alloc.Strategy == "" {
		return config.StrategyFull
	}
	return b.alloc.Strategy
}

// takeOver adopts the live identity on this node's connector
func (b *backupServer) takeOver() error {
	s := b.node
	id := b.alloc.BackupOf

	j, lock := b.journal, (*journal.DirLock)(nil)
	if b.alloc.Policy.SharedStore() {
		var err error
		if j, lock, err = b.openSharedStore(); err != nil {
			return err
		}
	}
	_ = b.channel.Stop()

	live := s.newLive(id, j, lock, b.alloc.Acceptors)
	policy := s.cfg.HA
	policy.Type = b.alloc.Policy
	policy.Strategy = b.alloc.Strategy
	policy.Backup = false
	policy.RequestBackup = true
	live.requester = ha.NewRequester(ha.RequesterOptions{
		Self:      id,
		Addr:      s.addr,
		Policy:    policy,
		Storage:   b.alloc.Storage,
		Topology:  s.topo,
		Transport: s.deps.Transport,
		Clock:     s.deps.Clock,
		Logger:    s.deps.Logger,
		Metrics:   s.deps.Metrics,
	})

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		_ = live.close()
		return protocol.ErrStopped
	}
	b.live = live
	b.mu.Unlock()

	v := s.topo.NextVersion()
	s.topo.Merge(cluster.SetLive(id, s.addr, v))
	s.topo.Merge(cluster.SetBackup(id, "", v))
	s.manager.BackupPromoted(id, true)
	s.deps.Metrics.SetServerRole(id.String(), "live")

	if err := live.requester.Start(s.ctx); err != nil {
		b.logger.Warn("failed to start backup requests for adopted identity", logging.Error(err))
	}
	b.logger.Warn("promoted to live",
		logging.Position(j.LastPosition()),
		logging.Int("acceptors", len(live.acceptors)))
	return nil
}

// openSharedStore locks and opens the dead live's journal
func (b *backupServer) openSharedStore() (journal.Journal, *journal.DirLock, error) {
	s := b.node
	var lock *journal.DirLock
	if !s.cfg.Storage.Memory {
		var err error
		if lock, err = journal.TryLock(b.alloc.Storage.Journal); err != nil {
			return nil, nil, fmt.Errorf("failed to take shared store: %w", err)
		}
	}
	j, err := s.openJournal(b.alloc.Storage.Journal)
	if err != nil {
		_ = lock.Release()
		return nil, nil, err
	}
	return j, lock, nil
}

// scaleDown hands the dead live's records to the host's own live server
// and retires the dead identity. A shared-store backup reads them straight
// from the shared journal.
func (b *backupServer) scaleDown(ctx context.Context) error {
	s := b.node
	target := s.live.Load()
	if target == nil {
		return ErrNoScaleDownTarget
	}

	src := b.journal
	if b.alloc.Policy.SharedStore() {
		j, lock, err := b.openSharedStore()
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				b.logger.Warn("failed to close shared journal", logging.Error(err))
			}
			_ = lock.Release()
		}()
		src = j
	}
	_ = b.channel.Stop()

	moved, err := journal.Absorb(target.journal, src, s.cfg.Replication.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to scale down: %w", err)
	}

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	s.manager.BackupPromoted(b.alloc.BackupOf, false)
	s.discovery.Depart(ctx, b.alloc.BackupOf)
	b.closeJournal()
	b.logger.Warn("scaled down into host", logging.Count(moved))
	return nil
}
