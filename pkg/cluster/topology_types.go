package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
)

// Member is one node's entry in the topology.
//
// Live is the cluster connector where the live server for NodeID answers;
// Backup is the connector of the node hosting its backup. Either may be
// empty. Each field carries the version it was last written at.
type Member struct {
	NodeID        NodeID `json:"node_id"`
	Live          string `json:"live,omitempty"`
	LiveVersion   uint64 `json:"live_version"`
	Backup        string `json:"backup,omitempty"`
	BackupVersion uint64 `json:"backup_version"`
}

// Version returns the newest field version of the member
func (m Member) Version() uint64 {
	return max(m.LiveVersion, m.BackupVersion)
}

// MemberUpdate is a partial update merged into the topology.
// A nil field leaves the stored value untouched; an empty string clears it.
type MemberUpdate struct {
	NodeID        NodeID
	Live          *string
	LiveVersion   uint64
	Backup        *string
	BackupVersion uint64
}

// Departure records an explicit node departure
type Departure struct {
	NodeID  NodeID `json:"node_id"`
	Version uint64 `json:"version"`
}

// Change describes a visible membership change delivered to subscribers
type Change struct {
	Member  Member
	Removed bool
}

// Topology is a node's view of cluster membership.
//
// Writers serialize on mu and publish an immutable sorted snapshot, so
// Members never blocks on a merge in progress. Listeners run on the
// merging goroutine after the lock is released.
type Topology struct {
	clock   clock.Clock
	metrics *metrics.Registry

	mu         sync.Mutex
	members    map[NodeID]Member
	tombstones map[NodeID]uint64
	maxSeen    uint64

	snapshot atomic.Pointer[[]Member]

	// outbox holds applied changes not yet delivered; guarded by mu
	outbox     []Change
	delivering bool

	listenersMu sync.RWMutex
	listeners   map[uint64]func(Change)
	nextID      uint64
}
