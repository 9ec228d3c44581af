package cluster

import "sort"

// Members returns the current membership sorted by NodeID.
// The slice is the caller's own copy.
func (t *Topology) Members() []Member {
	snap := *t.snapshot.Load()
	out := make([]Member, len(snap))
	copy(out, snap)
	return out
}

// Member returns the entry for id
func (t *Topology) Member(id NodeID) (Member, bool) {
	for _, m := range *t.snapshot.Load() {
		if m.NodeID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Len returns the number of members
func (t *Topology) Len() int {
	return len(*t.snapshot.Load())
}

// LiveMembers returns the members that currently advertise a live connector
func (t *Topology) LiveMembers() []Member {
	snap := *t.snapshot.Load()
	out := make([]Member, 0, len(snap))
	for _, m := range snap {
		if m.Live != "" {
			out = append(out, m)
		}
	}
	return out
}

// Departures returns the recorded departures sorted by NodeID
func (t *Topology) Departures() []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Departure, 0, len(t.tombstones))
	for id, v := range t.tombstones {
		out = append(out, Departure{NodeID: id, Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// HostingBackupOf reports the connector of the node hosting id's backup, if any
func (t *Topology) HostingBackupOf(id NodeID) (string, bool) {
	m, ok := t.Member(id)
	if !ok || m.Backup == "" {
		return "", false
	}
	return m.Backup, true
}

// Departure returns the recorded departure of id
func (t *Topology) Departure(id NodeID) (Departure, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.tombstones[id]
	return Departure{NodeID: id, Version: v}, ok
}
