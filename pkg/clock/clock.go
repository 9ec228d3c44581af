// Package clock abstracts time so that retry loops, heartbeats and vote timers
// can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by cluster components.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer mirrors the subset of time.Timer used by the cluster code.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration)
}

// Ticker mirrors the subset of time.Ticker used by the cluster code.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time  { return r.t.C }
func (r *realTimer) Stop() bool           { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) { r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual is a Clock whose time only moves when Advance is called.
//
// Timers and tickers fire synchronously inside Advance, in deadline order.
// Channels are buffered with capacity one and a fire is dropped when the
// previous value has not been consumed, matching time.Ticker semantics.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManual creates a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTimer creates a one-shot timer.
func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{clock: m, ch: make(chan time.Time, 1)}
	t.deadline = m.now.Add(d)
	t.active = true
	t.registered = true
	m.timers = append(m.timers, t)
	return t
}

// NewTicker creates a periodic ticker.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{clock: m, ch: make(chan time.Time, 1), period: d}
	t.deadline = m.now.Add(d)
	t.active = true
	t.registered = true
	m.timers = append(m.timers, t)
	return manualTicker{t}
}

// Advance moves the clock forward, firing every timer whose deadline falls
// inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}
		m.now = next.deadline
		next.fireLocked()
	}
	m.now = target
	m.pruneLocked()
	m.mu.Unlock()
}

// pruneLocked drops disarmed timers. A later Reset re-registers them.
func (m *Manual) pruneLocked() {
	kept := m.timers[:0]
	for _, t := range m.timers {
		if t.active {
			kept = append(kept, t)
			continue
		}
		t.registered = false
	}
	for i := len(kept); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = kept
}

// Pending reports how many timers and tickers are still armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}
	return n
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range m.timers {
		if !t.active || t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

type manualTimer struct {
	clock    *Manual
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
	active   bool

	registered bool
}

func (t *manualTimer) fireLocked() {
	select {
	case t.ch <- t.deadline:
	default:
	}
	if t.period > 0 {
		t.deadline = t.deadline.Add(t.period)
		return
	}
	t.active = false
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := t.active
	t.active = false
	return wasActive
}

func (t *manualTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	t.deadline = t.clock.now.Add(d)
	t.active = true
	if !t.registered {
		t.registered = true
		t.clock.timers = append(t.clock.timers, t)
	}
}

type manualTicker struct{ *manualTimer }

func (t manualTicker) Stop() { t.manualTimer.Stop() }
