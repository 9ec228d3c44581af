package ha

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

// Options configures a Manager
type Options struct {
	Self     cluster.NodeID
	Addr     string
	Acceptor config.Acceptor
	Storage  config.StoragePaths
	Policy   config.HAPolicy

	Topology  *cluster.Topology
	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry

	Launch Launcher
}

// hosted is one slot of the manager; server is nil while the grant is
// still being set up.
type hosted struct {
	alloc  Allocation
	server BackupServer
}

// Manager is a node's HA orchestrator.
//
// Every allocation change (grant reservation, launch, crash, promotion,
// stop) happens under mu, so the number of hosted backups, reserved slots
// included, never exceeds Policy.MaxBackups.
type Manager struct {
	opts   Options
	logger logging.Logger

	mu       sync.Mutex
	hosted   map[cluster.NodeID]*hosted
	promoted map[cluster.NodeID]BackupServer
	slots    map[int]cluster.NodeID
	stopping bool
	started  bool

	requester *Requester
}

// NewManager creates a stopped manager
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	opts.Policy.ApplyDefaults()

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.With(logging.Component("ha"), logging.NodeID(opts.Self.Short())),
		hosted:   make(map[cluster.NodeID]*hosted),
		promoted: make(map[cluster.NodeID]BackupServer),
		slots:    make(map[int]cluster.NodeID),
	}
	if opts.Policy.RequestBackup && !opts.Policy.Standby() {
		m.requester = NewRequester(RequesterOptions{
			Self:      opts.Self,
			Addr:      opts.Addr,
			Policy:    opts.Policy,
			Storage:   opts.Storage,
			Topology:  opts.Topology,
			Transport: opts.Transport,
			Clock:     opts.Clock,
			Logger:    opts.Logger,
			Metrics:   opts.Metrics,
		})
	}
	return m
}

// Start begins the node's own backup request cycle, if its policy asks
// for one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.stopping = false
	m.mu.Unlock()

	m.logger.Info("ha manager started",
		logging.String("policy", string(m.opts.Policy.Type)),
		logging.String("strategy", string(m.opts.Policy.Strategy)),
		logging.Int("max_backups", m.opts.Policy.MaxBackups),
		logging.Bool("request_backup", m.requester != nil))

	if m.requester != nil {
		return m.requester.Start(ctx)
	}
	return nil
}

// Stop ends the request cycle and stops every hosted and promoted server
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.started = false
	m.stopping = true

	servers := make([]BackupServer, 0, len(m.hosted)+len(m.promoted))
	for id, h := range m.hosted {
		if h.server != nil {
			servers = append(servers, h.server)
		}
		delete(m.hosted, id)
	}
	for id, s := range m.promoted {
		servers = append(servers, s)
		delete(m.promoted, id)
	}
	m.slots = make(map[int]cluster.NodeID)
	m.updateGaugeLocked()
	m.mu.Unlock()

	if m.requester != nil {
		m.requester.Stop()
	}
	for _, s := range servers {
		if err := s.Stop(); err != nil {
			m.logger.Warn("failed to stop hosted server", logging.Peer(s.LiveID().Short()), logging.Error(err))
		}
	}
	m.logger.Info("ha manager stopped", logging.Count(len(servers)))
	return nil
}

// Requester returns the node's own request cycle, nil if its policy
// never requests a backup.
func (m *Manager) Requester() *Requester {
	return m.requester
}

// BackupServers returns the running hosted backups keyed by the identity
// they protect. Promoted servers are not included.
func (m *Manager) BackupServers() map[cluster.NodeID]BackupServer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[cluster.NodeID]BackupServer, len(m.hosted))
	for id, h := range m.hosted {
		if h.server != nil {
			out[id] = h.server
		}
	}
	return out
}

// Backup returns the hosted or promoted server for id
func (m *Manager) Backup(id cluster.NodeID) (BackupServer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hosted[id]; ok && h.server != nil {
		return h.server, true
	}
	s, ok := m.promoted[id]
	return s, ok
}

// Promoted returns the servers that took over their live, keyed by identity
func (m *Manager) Promoted() map[cluster.NodeID]BackupServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[cluster.NodeID]BackupServer, len(m.promoted))
	for id, s := range m.promoted {
		out[id] = s
	}
	return out
}

// Allocations lists hosted allocations sorted by slot
func (m *Manager) Allocations() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Allocation, 0, len(m.hosted))
	for _, h := range m.hosted {
		out = append(out, h.alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// BackupExited is the crash path: the hosted backup of id stopped on its
// own. Its slot is freed and the Backup field the requester watches is
// cleared; the host never re-requests on the requester's behalf.
func (m *Manager) BackupExited(id cluster.NodeID, cause error) {
	m.mu.Lock()
	h, ok := m.hosted[id]
	if ok {
		delete(m.hosted, id)
		delete(m.slots, h.alloc.Slot)
		m.updateGaugeLocked()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Warn("hosted backup exited", logging.Peer(id.Short()), logging.Error(cause))
	m.clearBackupField(id)
}

// BackupPromoted moves the backup of id out of BackupServers. FULL servers
// keep their slot, and with it their acceptor port, until Stop.
func (m *Manager) BackupPromoted(id cluster.NodeID, keep bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosted[id]
	if !ok {
		return
	}
	delete(m.hosted, id)
	if keep && h.server != nil {
		m.promoted[id] = h.server
	} else {
		delete(m.slots, h.alloc.Slot)
	}
	m.updateGaugeLocked()
}

// StopBackup stops the hosted backup of id on request of the host. It is
// idempotent.
func (m *Manager) StopBackup(id cluster.NodeID) error {
	m.mu.Lock()
	h, ok := m.hosted[id]
	if ok {
		delete(m.hosted, id)
		delete(m.slots, h.alloc.Slot)
		m.updateGaugeLocked()
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.clearBackupField(id)
	if h.server != nil {
		return h.server.Stop()
	}
	return nil
}

// HandleBackupRelease stops the backup hosted for the releasing live
func (m *Manager) HandleBackupRelease(from cluster.NodeID, p *protocol.BackupRelease) (*protocol.Ack, error) {
	if from != p.LiveID {
		return nil, fmt.Errorf("%w: %s asked to release %s", ErrNotBackupOwner, from.Short(), p.LiveID.Short())
	}
	if _, ok := m.Backup(p.LiveID); ok {
		m.logger.Info("live released its backup", logging.Peer(p.LiveID.Short()))
	}
	if err := m.StopBackup(p.LiveID); err != nil {
		return nil, err
	}
	return &protocol.Ack{}, nil
}

// Supersedes reports whether c ends the backup this node hosts for
// c.Member: the live left the cluster or another node holds its backup.
func (m *Manager) Supersedes(c cluster.Change) bool {
	if _, hosted := m.BackupServers()[c.Member.NodeID]; !hosted {
		return false
	}
	return c.Removed || (c.Member.Backup != "" && c.Member.Backup != m.opts.Addr)
}

func (m *Manager) clearBackupField(id cluster.NodeID) {
	topo := m.opts.Topology
	if topo == nil {
		return
	}
	if member, ok := topo.Member(id); ok && member.Backup == m.opts.Addr {
		topo.Merge(cluster.SetBackup(id, "", topo.NextVersion()))
	}
}

func (m *Manager) updateGaugeLocked() {
	if m.opts.Metrics != nil {
		m.opts.Metrics.HostedBackups.Set(float64(len(m.hosted)))
	}
}
