package clock

import (
	"testing"
	"time"
)

func TestManualTimerFiresOnAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	timer := m.NewTimer(5 * time.Second)

	m.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	m.Advance(time.Second)
	select {
	case fired := <-timer.C():
		if !fired.Equal(start.Add(5 * time.Second)) {
			t.Errorf("Expected fire time %v, got %v", start.Add(5*time.Second), fired)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	if m.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", m.Pending())
	}
}

func TestManualTimerStopAndReset(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	timer := m.NewTimer(time.Second)

	if !timer.Stop() {
		t.Error("Expected Stop to report an active timer")
	}
	m.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	timer.Reset(time.Second)
	m.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestManualTicker(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ticker := m.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		m.Advance(time.Second)
		select {
		case <-ticker.C():
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	if m.Pending() != 1 {
		t.Errorf("Expected ticker to stay armed, got %d pending", m.Pending())
	}
}

func TestManualTickerStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var ticker Ticker = m.NewTicker(time.Second)

	ticker.Stop()
	m.Advance(3 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
	if m.Pending() != 0 {
		t.Errorf("Expected stopped ticker to be disarmed, got %d pending", m.Pending())
	}
}

func TestManualDropsDisarmedTimers(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	timer := m.NewTimer(time.Second)

	for i := 0; i < 100; i++ {
		timer.Stop()
		timer.Reset(time.Second)
		_ = m.NewTimer(time.Millisecond).Stop()
		m.Advance(10 * time.Millisecond)
	}

	m.mu.Lock()
	tracked := len(m.timers)
	m.mu.Unlock()
	if tracked != 1 {
		t.Errorf("Expected only the armed timer to be tracked, got %d", tracked)
	}

	m.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("re-armed timer did not fire")
	}

	m.mu.Lock()
	tracked = len(m.timers)
	m.mu.Unlock()
	if tracked != 0 {
		t.Errorf("Expected fired timer to be dropped, got %d tracked", tracked)
	}

	timer.Reset(time.Second)
	m.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer reset after being dropped did not fire")
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	timer := c.NewTimer(time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
