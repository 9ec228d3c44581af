package ha

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/discovery"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

// RequesterOptions configures a Requester
type RequesterOptions struct {
	// Self is the live identity that needs a backup; Addr is the connector
	// where that live answers.
	Self    cluster.NodeID
	Addr    string
	Policy  config.HAPolicy
	Storage config.StoragePaths

	Topology  *cluster.Topology
	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry

	// OnGranted runs after a host accepted the request
	OnGranted func(resp *protocol.BackupResponse)
}

// Requester keeps a live identity backed up: it asks candidates in turn
// until one grants, then watches the topology and asks again once the
// grant is gone.
type Requester struct {
	opts   RequesterOptions
	logger logging.Logger

	mu   sync.Mutex
	host cluster.NodeID
	// lost is a host that stopped answering before it confirmed a
	// release; it is never asked again until it does.
	lost    *lostHost
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type lostHost struct {
	id   cluster.NodeID
	addr string
}

// NewRequester creates a stopped requester
func NewRequester(opts RequesterOptions) *Requester {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	opts.Policy.ApplyDefaults()
	return &Requester{
		opts:   opts,
		logger: opts.Logger.With(logging.Component("backup-requester"), logging.NodeID(opts.Self.Short())),
	}
}

// Start runs the request cycle until Stop
func (r *Requester) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go r.run(ctx, r.done)
	return nil
}

// Stop ends the cycle and waits for it to exit
func (r *Requester) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

// Host returns the node that granted the current backup
func (r *Requester) Host() (cluster.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host, r.host != ""
}

func (r *Requester) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	changed, unsubscribe := r.opts.Topology.Notify()
	defer unsubscribe()

	attempts := 0
	for ctx.Err() == nil {
		if hostAddr := r.backupAddr(); hostAddr != "" {
			attempts = 0
			if !r.watchHost(ctx, hostAddr, changed) {
				return
			}
			continue
		}

		if r.opts.Policy.Unlimited() || attempts <= r.opts.Policy.BackupRequestRetries {
			if r.cycle(ctx) {
				continue
			}
			attempts++
			if !r.wait(ctx, changed, r.opts.Policy.BackupRequestRetryInterval) {
				return
			}
			continue
		}

		r.logger.Warn("backup request retries exhausted, waiting for topology change",
			logging.Count(attempts))
		select {
		case <-ctx.Done():
			return
		case <-changed:
			attempts = 0
		}
	}
}

// cycle asks every candidate once, in order, and reports whether one granted
func (r *Requester) cycle(ctx context.Context) bool {
	if lost, ok := r.lostHost(); ok && r.release(ctx, lost) {
		r.setLost(nil)
	}

	candidates := r.candidates()
	if len(candidates) == 0 {
		r.logger.Debug("no backup candidates")
		return false
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return false
		}
		resp, err := r.ask(ctx, c)
		switch {
		case err != nil:
			r.record("unreachable")
			r.logger.Debug("backup candidate unreachable", logging.Peer(c.NodeID.Short()), logging.Error(err))
		case !resp.Granted && resp.Reason == protocol.RefusedAlreadyHosting:
			r.record(string(resp.Reason))
			r.logger.Info("candidate already hosts our backup, keeping it", logging.Peer(c.NodeID.Short()))
			r.adopt(resp.HostID, resp.HostAddr)
			return true
		case !resp.Granted:
			r.record(string(resp.Reason))
			r.logger.Debug("backup request refused",
				logging.Peer(c.NodeID.Short()),
				logging.String("reason", string(resp.Reason)))
		default:
			r.record("granted")
			r.granted(resp)
			return true
		}
	}
	return false
}

func (r *Requester) ask(ctx context.Context, c cluster.Member) (*protocol.BackupResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Policy.BackupRequestTimeout)
	defer cancel()

	return transport.CallAs[*protocol.BackupResponse](ctx, r.opts.Transport, c.Live, protocol.Envelope{
		From:   r.opts.Self,
		Target: c.NodeID,
		Packet: &protocol.BackupRequest{
			RequesterID:   r.opts.Self,
			RequesterAddr: r.opts.Addr,
			Policy:        r.opts.Policy.Type,
			Strategy:      r.opts.Policy.Strategy,
			LiveStorage:   r.opts.Storage,
		},
	})
}

func (r *Requester) granted(resp *protocol.BackupResponse) {
	r.adopt(resp.HostID, resp.HostAddr)

	r.logger.Info("backup granted",
		logging.Peer(resp.HostID.Short()),
		logging.Addr(resp.HostAddr),
		logging.Int("slot", resp.Slot))
	if r.opts.OnGranted != nil {
		r.opts.OnGranted(resp)
	}
}

// adopt records host as the holder of the backup. A lost host learns it
// was replaced from the Backup field and is still released before the
// next request.
func (r *Requester) adopt(host cluster.NodeID, addr string) {
	r.mu.Lock()
	r.host = host
	r.mu.Unlock()

	topo := r.opts.Topology
	topo.Merge(cluster.SetBackup(r.opts.Self, addr, topo.NextVersion()))
}

// release asks a host that went silent to drop our backup
func (r *Requester) release(ctx context.Context, h lostHost) bool {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Policy.BackupRequestTimeout)
	defer cancel()

	_, err := transport.CallAs[*protocol.Ack](ctx, r.opts.Transport, h.addr, protocol.Envelope{
		From:   r.opts.Self,
		Target: h.id,
		Packet: &protocol.BackupRelease{LiveID: r.opts.Self},
	})
	if err != nil {
		r.logger.Debug("previous backup host still unreachable",
			logging.Peer(h.id.Short()), logging.Error(err))
		return false
	}
	r.logger.Info("previous backup host released our backup", logging.Peer(h.id.Short()))
	return true
}

func (r *Requester) lostHost() (lostHost, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lost == nil {
		return lostHost{}, false
	}
	return *r.lost, true
}

func (r *Requester) setLost(h *lostHost) {
	r.mu.Lock()
	r.lost = h
	r.mu.Unlock()
}

// candidates lists the live members that may host the backup: sorted by
// NodeID and rotated to start after Self so concurrent requesters spread
// over different hosts. One candidate per connector; a lost host is
// skipped.
func (r *Requester) candidates() []cluster.Member {
	members := r.opts.Topology.LiveMembers()

	start := len(members)
	for i, m := range members {
		if m.NodeID > r.opts.Self {
			start = i
			break
		}
	}

	seen := map[string]bool{r.opts.Addr: true}
	lost, hasLost := r.lostHost()
	if hasLost {
		seen[lost.addr] = true
	}

	out := make([]cluster.Member, 0, len(members))
	for i := range members {
		m := members[(start+i)%len(members)]
		if m.NodeID == r.opts.Self || seen[m.Live] {
			continue
		}
		if hasLost && m.NodeID == lost.id {
			continue
		}
		seen[m.Live] = true
		out = append(out, m)
	}
	return out
}

// watchHost waits while the backup is in place. The grant ends when the
// host clears the Backup field or stops answering pings. A silent host is
// sent a release; until it confirms, it stays excluded from candidates and
// learns of its replacement from the Backup field.
func (r *Requester) watchHost(ctx context.Context, hostAddr string, changed <-chan struct{}) bool {
	interval := r.opts.Policy.BackupRequestRetryInterval
	timer := r.opts.Clock.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-changed:
		return true
	case <-timer.C():
	}

	hostID, ok := r.hostAt(hostAddr)
	if !ok {
		return true
	}
	if discovery.Ping(ctx, r.opts.Transport, r.opts.Self, hostID, hostAddr, r.opts.Policy.BackupRequestTimeout) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	lost := lostHost{id: hostID, addr: hostAddr}
	if r.release(ctx, lost) {
		r.clear(hostAddr)
		return true
	}
	r.logger.Warn("backup host unreachable, requesting a backup elsewhere",
		logging.Peer(hostID.Short()), logging.Addr(hostAddr))
	r.setLost(&lost)
	r.clear(hostAddr)
	return true
}

// hostAt resolves the node whose connector is addr
func (r *Requester) hostAt(addr string) (cluster.NodeID, bool) {
	r.mu.Lock()
	host := r.host
	r.mu.Unlock()
	if host != "" {
		if m, ok := r.opts.Topology.Member(host); ok && m.Live == addr {
			return host, true
		}
	}
	for _, m := range r.opts.Topology.LiveMembers() {
		if m.Live == addr && m.NodeID != r.opts.Self {
			return m.NodeID, true
		}
	}
	return "", false
}

func (r *Requester) clear(hostAddr string) {
	r.mu.Lock()
	r.host = ""
	r.mu.Unlock()

	topo := r.opts.Topology
	if m, ok := topo.Member(r.opts.Self); ok && m.Backup == hostAddr {
		topo.Merge(cluster.SetBackup(r.opts.Self, "", topo.NextVersion()))
	}
}

func (r *Requester) backupAddr() string {
	m, ok := r.opts.Topology.Member(r.opts.Self)
	if !ok {
		return ""
	}
	if m.Backup == "" {
		r.mu.Lock()
		r.host = ""
		r.mu.Unlock()
	}
	return m.Backup
}

func (r *Requester) wait(ctx context.Context, changed <-chan struct{}, d time.Duration) bool {
	timer := r.opts.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-changed:
		return true
	case <-timer.C():
		return true
	}
}

func (r *Requester) record(result string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordBackupRequest(result)
	}
}

