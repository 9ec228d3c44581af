package cluster

import (
	"sort"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
)

// NewTopology creates an empty topology. reg may be nil.
func NewTopology(clk clock.Clock, reg *metrics.Registry) *Topology {
	if clk == nil {
		clk = clock.Real()
	}
	t := &Topology{
		clock:      clk,
		metrics:    reg,
		members:    make(map[NodeID]Member),
		tombstones: make(map[NodeID]uint64),
		listeners:  make(map[uint64]func(Change)),
	}
	empty := []Member{}
	t.snapshot.Store(&empty)
	return t
}

// SetLive builds an update that sets (or, with "", clears) a member's live connector
func SetLive(id NodeID, addr string, version uint64) MemberUpdate {
	return MemberUpdate{NodeID: id, Live: &addr, LiveVersion: version}
}

// SetBackup builds an update that sets (or, with "", clears) a member's backup connector
func SetBackup(id NodeID, addr string, version uint64) MemberUpdate {
	return MemberUpdate{NodeID: id, Backup: &addr, BackupVersion: version}
}

// UpdateFrom builds a full-state update from a member record received from a peer
func UpdateFrom(m Member) MemberUpdate {
	live, backup := m.Live, m.Backup
	return MemberUpdate{
		NodeID:        m.NodeID,
		Live:          &live,
		LiveVersion:   m.LiveVersion,
		Backup:        &backup,
		BackupVersion: m.BackupVersion,
	}
}

// NextVersion returns a version newer than any version this topology has seen.
func (t *Topology) NextVersion() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := uint64(t.clock.Now().UnixNano())
	if v <= t.maxSeen {
		v = t.maxSeen + 1
	}
	t.maxSeen = v
	return v
}

// Merge applies u and reports whether the visible membership changed.
//
// Each field is last-writer-wins on its version; at equal versions the
// greater value wins so that every node converges regardless of delivery
// order. Fields at or below a departure's version are ignored.
func (t *Topology) Merge(u MemberUpdate) bool {
	if u.NodeID == "" {
		return false
	}

	t.mu.Lock()
	t.observe(u.LiveVersion)
	t.observe(u.BackupVersion)

	tomb, departed := t.tombstones[u.NodeID]
	current, exists := t.members[u.NodeID]
	next := current
	next.NodeID = u.NodeID
	changed := false

	if u.Live != nil && (!departed || u.LiveVersion > tomb) &&
		wins(u.LiveVersion, *u.Live, current.LiveVersion, current.Live) {
		next.Live, next.LiveVersion = *u.Live, u.LiveVersion
		changed = next.Live != current.Live || !exists
	}
	if u.Backup != nil && (!departed || u.BackupVersion > tomb) &&
		wins(u.BackupVersion, *u.Backup, current.BackupVersion, current.Backup) {
		next.Backup, next.BackupVersion = *u.Backup, u.BackupVersion
		changed = changed || next.Backup != current.Backup || !exists
	}
	if !exists && !changed {
		if departed {
			t.mu.Unlock()
			t.recordMerge(false)
			return false
		}
		// First announcement with no applicable field still creates the member
		changed = true
	}

	if next != current {
		if departed && next.Version() > tomb {
			delete(t.tombstones, u.NodeID)
		}
		t.members[u.NodeID] = next
		t.publishLocked()
	}
	if changed {
		t.outbox = append(t.outbox, Change{Member: next})
	}
	t.mu.Unlock()

	t.recordMerge(changed)
	t.deliver()
	return changed
}

// Remove records the explicit departure of id at version. Stale departures
// (older than the member's newest field) are ignored.
func (t *Topology) Remove(id NodeID, version uint64) bool {
	t.mu.Lock()
	t.observe(version)

	current, exists := t.members[id]
	if exists && version < current.Version() {
		t.mu.Unlock()
		return false
	}
	if version > t.tombstones[id] {
		t.tombstones[id] = version
	}
	if !exists {
		t.mu.Unlock()
		return false
	}
	delete(t.members, id)
	t.publishLocked()
	t.outbox = append(t.outbox, Change{Member: current, Removed: true})
	t.mu.Unlock()

	t.deliver()
	return true
}

// Subscribe registers fn to be called after every visible change.
// The returned function unsubscribes.
//
// Changes reach subscribers one at a time in the order they were applied.
// A Merge or Remove that lands while another goroutine is delivering
// returns before its own change has been delivered; that goroutine
// delivers it next.
func (t *Topology) Subscribe(fn func(Change)) (unsubscribe func()) {
	t.listenersMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.listenersMu.Unlock()

	return func() {
		t.listenersMu.Lock()
		delete(t.listeners, id)
		t.listenersMu.Unlock()
	}
}

// Notify returns a channel that receives a value after changes. Bursts of
// changes coalesce into a single pending value.
func (t *Topology) Notify() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	cancel := t.Subscribe(func(Change) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, cancel
}

// deliver drains the outbox unless another goroutine already is
func (t *Topology) deliver() {
	t.mu.Lock()
	if t.delivering {
		t.mu.Unlock()
		return
	}
	t.delivering = true
	for len(t.outbox) > 0 {
		c := t.outbox[0]
		t.outbox[0] = Change{}
		t.outbox = t.outbox[1:]
		t.mu.Unlock()
		t.notify(c)
		t.mu.Lock()
	}
	t.outbox = nil
	t.delivering = false
	t.mu.Unlock()
}

func (t *Topology) notify(c Change) {
	t.listenersMu.RLock()
	fns := make([]func(Change), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (t *Topology) observe(v uint64) {
	if v > t.maxSeen {
		t.maxSeen = v
	}
}

func (t *Topology) publishLocked() {
	snap := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		snap = append(snap, m)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].NodeID < snap[j].NodeID })
	t.snapshot.Store(&snap)

	if t.metrics != nil {
		t.metrics.TopologyMembers.Set(float64(len(snap)))
	}
}

func (t *Topology) recordMerge(changed bool) {
	if t.metrics == nil {
		return
	}
	if changed {
		t.metrics.TopologyMergesTotal.WithLabelValues("changed").Inc()
	} else {
		t.metrics.TopologyMergesTotal.WithLabelValues("unchanged").Inc()
	}
}

func wins(version uint64, value string, curVersion uint64, curValue string) bool {
	if version != curVersion {
		return version > curVersion
	}
	return value > curValue
}
