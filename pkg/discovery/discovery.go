// Package discovery keeps a node's topology in step with the cluster:
// it announces the node to its static connectors, re-broadcasts merged
// changes to every live connector and heartbeats every member so that
// cluster.Liveness reflects first-hand observations.
package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

var (
	ErrAlreadyStarted = errors.New("discovery already started")
	ErrNotStarted     = errors.New("discovery not started")
)

// Options configures a Service
type Options struct {
	Self       cluster.NodeID
	Addr       string
	Connectors []string

	Topology  *cluster.Topology
	Liveness  *cluster.Liveness
	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry

	AnnounceInterval  time.Duration
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
}

// Service runs the announce, broadcast and heartbeat loops of one node
type Service struct {
	opts   Options
	logger logging.Logger

	pendingMu sync.Mutex
	pending   map[cluster.NodeID]cluster.Change
	wake      chan struct{}

	runningMu   sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a discovery service; Start must be called to run it
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.AnnounceInterval <= 0 {
		opts.AnnounceInterval = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 3 * time.Second
	}
	return &Service{
		opts:    opts,
		logger:  opts.Logger.With(logging.Component("discovery"), logging.NodeID(opts.Self.Short())),
		pending: make(map[cluster.NodeID]cluster.Change),
		wake:    make(chan struct{}, 1),
	}
}

// Start announces the node to its connectors and starts the background
// loops. Unreachable connectors are not an error; the periodic
// re-announcement retries them.
func (s *Service) Start(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.unsubscribe = s.opts.Topology.Subscribe(s.enqueue)
	s.running = true

	if n := s.announce(ctx, s.opts.Connectors); n == 0 && len(s.opts.Connectors) > 0 {
		s.logger.Info("no connector answered the initial announcement")
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.announceLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.broadcastLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(ctx)
	}()

	s.logger.Info("discovery started", logging.Count(len(s.opts.Connectors)))
	return nil
}

// Stop halts the background loops
func (s *Service) Stop() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return ErrNotStarted
	}
	s.running = false
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("discovery stopped")
	return nil
}

// Leave records this node's departure and tells every live connector
// before the node stops.
func (s *Service) Leave(ctx context.Context) {
	s.Depart(ctx, s.opts.Self)
}

// Depart removes id from the topology and pushes the departure to every
// live connector synchronously.
func (s *Service) Depart(ctx context.Context, id cluster.NodeID) {
	topo := s.opts.Topology
	topo.Remove(id, topo.NextVersion())
	if d, ok := topo.Departure(id); ok {
		s.send(ctx, []cluster.Change{{Member: cluster.Member{NodeID: d.NodeID}, Removed: true}})
	}
}

func (s *Service) announceLoop(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.announce(ctx, s.targets())
		}
	}
}

func (s *Service) enqueue(c cluster.Change) {
	s.pendingMu.Lock()
	s.pending[c.Member.NodeID] = c
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) drain() []cluster.Change {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	out := make([]cluster.Change, 0, len(s.pending))
	for id, c := range s.pending {
		out = append(out, c)
		delete(s.pending, id)
	}
	return out
}

func (s *Service) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if changes := s.drain(); len(changes) > 0 {
				s.send(ctx, changes)
			}
		}
	}
}

// targets lists every distinct connector this node exchanges topology
// with: static connectors plus every known live connector, minus its own.
func (s *Service) targets() []string {
	seen := map[string]bool{s.opts.Addr: true}
	var out []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for _, addr := range s.opts.Connectors {
		add(addr)
	}
	for _, m := range s.opts.Topology.LiveMembers() {
		add(m.Live)
	}
	return out
}
