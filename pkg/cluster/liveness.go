package cluster

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
)

// Liveness records when this node last observed each member's live server
// answering. Observations are first-hand only; nothing learned from peers
// is recorded here.
type Liveness struct {
	clock clock.Clock
	mu    sync.RWMutex
	seen  map[NodeID]time.Time
}

// NewLiveness creates an empty tracker
func NewLiveness(clk clock.Clock) *Liveness {
	if clk == nil {
		clk = clock.Real()
	}
	return &Liveness{
		clock: clk,
		seen:  make(map[NodeID]time.Time),
	}
}

// Observe records that id answered just now
func (l *Liveness) Observe(id NodeID) {
	now := l.clock.Now()
	l.mu.Lock()
	l.seen[id] = now
	l.mu.Unlock()
}

// Forget drops any observation of id
func (l *Liveness) Forget(id NodeID) {
	l.mu.Lock()
	delete(l.seen, id)
	l.mu.Unlock()
}

// LastSeen returns the last observation of id
func (l *Liveness) LastSeen(id NodeID) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.seen[id]
	return t, ok
}

// Observed reports whether id was observed within window of now
func (l *Liveness) Observed(id NodeID, window time.Duration) bool {
	last, ok := l.LastSeen(id)
	if !ok {
		return false
	}
	return l.clock.Now().Sub(last) <= window
}

// CountObserved returns how many of ids were observed within window
func (l *Liveness) CountObserved(ids []NodeID, window time.Duration) int {
	n := 0
	for _, id := range ids {
		if l.Observed(id, window) {
			n++
		}
	}
	return n
}
