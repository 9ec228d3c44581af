// Package server assembles one broker node: its topology view, discovery,
// its own live server, the backups it hosts and the quorum machinery that
// decides failover.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/discovery"
	"github.com/dd0wney/cluso-mq/pkg/ha"
	"github.com/dd0wney/cluso-mq/pkg/health"
	"github.com/dd0wney/cluso-mq/pkg/journal"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/quorum"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrNotStarted     = errors.New("server not started")
)

// Deps are the per-node collaborators injected into a Server
type Deps struct {
	Logger    logging.Logger
	Metrics   *metrics.Registry
	Clock     clock.Clock
	Transport transport.Transport
	// ID pins the node identity; empty loads or creates it in the data directory
	ID cluster.NodeID
	// OpenJournal replaces the configured journal storage when set
	OpenJournal func(dir string) (journal.Journal, error)
}

// Server is one broker node
type Server struct {
	cfg    *config.Config
	deps   Deps
	id     cluster.NodeID
	addr   string
	logger logging.Logger

	topo      *cluster.Topology
	liveness  *cluster.Liveness
	discovery *discovery.Service
	responder *quorum.Responder
	manager   *ha.Manager
	health    *health.HealthChecker

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	listener io.Closer
	unsub    func()
	done     chan struct{}

	live    atomic.Pointer[liveServer]
	running atomic.Bool
	fenced  atomic.Bool
}

// New builds a stopped node from cfg
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Transport == nil {
		return nil, errors.New("server requires a transport")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}

	id := deps.ID
	if id == "" {
		loaded, created, err := cluster.LoadOrCreate(cfg.Node.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve node identity: %w", err)
		}
		if created {
			deps.Logger.Info("created node identity", logging.NodeID(loaded.String()))
		}
		id = loaded
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		id:       id,
		addr:     cfg.Node.ClusterAddr,
		logger:   deps.Logger.With(logging.Component("server"), logging.NodeID(id.Short())),
		topo:     cluster.NewTopology(deps.Clock, deps.Metrics),
		liveness: cluster.NewLiveness(deps.Clock),
		health:   health.NewHealthChecker(deps.Clock),
	}

	s.discovery = discovery.New(discovery.Options{
		Self:              id,
		Addr:              s.addr,
		Connectors:        cfg.Node.StaticConnectors,
		Topology:          s.topo,
		Liveness:          s.liveness,
		Transport:         deps.Transport,
		Clock:             deps.Clock,
		Logger:            deps.Logger,
		Metrics:           deps.Metrics,
		AnnounceInterval:  cfg.Cluster.AnnounceInterval,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		CallTimeout:       cfg.Cluster.CallTimeout,
	})
	s.responder = quorum.NewResponder(s.liveness, cfg.Quorum.GracePeriod)
	s.manager = ha.NewManager(ha.Options{
		Self:      id,
		Addr:      s.addr,
		Acceptor:  cfg.Node.Acceptor,
		Storage:   cfg.Storage.StoragePaths,
		Policy:    cfg.HA,
		Topology:  s.topo,
		Transport: deps.Transport,
		Clock:     deps.Clock,
		Logger:    deps.Logger,
		Metrics:   deps.Metrics,
		Launch:    s.launchBackup,
	})
	s.registerHealthChecks()
	return s, nil
}

// Start opens the node's connector, verifies its identity is not already
// live elsewhere, then joins the cluster and starts serving.
func (s *Server) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	defer func() {
		if err != nil {
			s.teardownLocked()
		}
	}()

	listener, err := s.deps.Transport.Listen(s.addr, s.handle)
	if err != nil {
		return fmt.Errorf("failed to open cluster connector %s: %w", s.addr, err)
	}
	s.listener = listener

	if !s.cfg.HA.Standby() {
		if err := quorum.CheckIdentityFree(ctx, s.deps.Transport, s.id, s.addr,
			s.cfg.Node.StaticConnectors, s.cfg.Cluster.CallTimeout); err != nil {
			return err
		}
		live, err := s.openOwnLive()
		if err != nil {
			return err
		}
		s.live.Store(live)
	}

	s.topo.Merge(cluster.SetLive(s.id, s.addr, s.topo.NextVersion()))
	s.unsub = s.topo.Subscribe(s.onTopologyChange)

	if err := s.discovery.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	if err := s.manager.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start ha manager: %w", err)
	}

	s.started = true
	s.running.Store(true)
	s.deps.Metrics.SetServerRole(s.id.String(), s.role())
	s.logger.Info("server started",
		logging.Addr(s.addr),
		logging.String("policy", string(s.cfg.HA.Type)),
		logging.Bool("standby", s.cfg.HA.Standby()))
	return nil
}

// Stop leaves the cluster cleanly. Hosts of this node's backup stop them
// instead of failing over.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.mu.Unlock()

	if !s.fenced.Load() {
		s.discovery.Leave(ctx)
	}
	return s.halt("stopped")
}

// Halt stops the node without announcing its departure, as a crash would
func (s *Server) Halt() error {
	return s.halt("halted")
}

func (s *Server) halt(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	s.started = false
	s.running.Store(false)
	s.teardownLocked()
	s.deps.Metrics.SetServerRole(s.id.String(), s.role())
	s.logger.Info("server stopped", logging.String("reason", reason))
	return nil
}

func (s *Server) teardownLocked() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	_ = s.manager.Stop()
	_ = s.discovery.Stop()
	if live := s.live.Swap(nil); live != nil {
		if err := live.close(); err != nil {
			s.logger.Warn("failed to close live server", logging.Error(err))
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

// fence stops a live that can no longer reach a quorum. The node halts
// without leaving so the identity it gives up is not tombstoned.
func (s *Server) fence(reason string) {
	if !s.fenced.CompareAndSwap(false, true) {
		return
	}
	s.logger.Error("fenced", logging.String("reason", reason))
	go func() {
		if err := s.halt("fenced"); err != nil && !errors.Is(err, ErrNotStarted) {
			s.logger.Warn("failed to halt fenced server", logging.Error(err))
		}
	}()
}

// Done is closed once the node has stopped, on request or after fencing
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ID returns the node identity
func (s *Server) ID() cluster.NodeID { return s.id }

// Addr returns the cluster connector
func (s *Server) Addr() string { return s.addr }

// Topology returns the node's membership view
func (s *Server) Topology() *cluster.Topology { return s.topo }

// Manager returns the node's HA manager
func (s *Server) Manager() *ha.Manager { return s.manager }

// Health returns the node's health checker
func (s *Server) Health() *health.HealthChecker { return s.health }

// Metrics returns the node's metrics registry
func (s *Server) Metrics() *metrics.Registry { return s.deps.Metrics }

// Fenced reports whether the node stopped after losing quorum
func (s *Server) Fenced() bool { return s.fenced.Load() }

// Journal returns the journal of the node's own live server, nil on a
// standby node.
func (s *Server) Journal() journal.Journal {
	if live := s.live.Load(); live != nil {
		return live.journal
	}
	return nil
}

// Running reports whether Start succeeded and the node has not stopped
func (s *Server) Running() bool {
	return s.running.Load()
}

// Role is the node's role: live, standby, fenced or stopped
func (s *Server) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role()
}

func (s *Server) role() string {
	switch {
	case s.fenced.Load():
		return "fenced"
	case !s.started:
		return "stopped"
	case s.cfg.HA.Standby():
		return "standby"
	default:
		return "live"
	}
}

// onTopologyChange stops the hosted backup of a live that left cleanly
// or is now backed up by another node
func (s *Server) onTopologyChange(c cluster.Change) {
	if !s.manager.Supersedes(c) {
		return
	}
	id := c.Member.NodeID
	go func() {
		if c.Removed {
			s.logger.Info("live left the cluster, stopping its backup", logging.Peer(id.Short()))
		} else {
			s.logger.Info("live is backed up elsewhere, stopping its backup",
				logging.Peer(id.Short()), logging.Addr(c.Member.Backup))
		}
		if err := s.manager.StopBackup(id); err != nil {
			s.logger.Warn("failed to stop backup", logging.Peer(id.Short()), logging.Error(err))
		}
	}()
}
