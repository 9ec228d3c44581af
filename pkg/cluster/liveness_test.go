package cluster

import (
	"testing"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
)

func TestLiveness_Observed(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	l := NewLiveness(clk)

	if l.Observed(idA, time.Second) {
		t.Error("Expected unobserved node to report false")
	}

	l.Observe(idA)
	clk.Advance(500 * time.Millisecond)
	if !l.Observed(idA, time.Second) {
		t.Error("Expected node observed within window")
	}

	clk.Advance(time.Second)
	if l.Observed(idA, time.Second) {
		t.Error("Expected node outside window to report false")
	}

	l.Observe(idA)
	l.Forget(idA)
	if _, ok := l.LastSeen(idA); ok {
		t.Error("Expected Forget to drop observation")
	}
}

func TestLiveness_CountObserved(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	l := NewLiveness(clk)

	l.Observe(idA)
	clk.Advance(2 * time.Second)
	l.Observe(idB)

	if got := l.CountObserved([]NodeID{idA, idB, idC}, time.Second); got != 1 {
		t.Errorf("CountObserved = %d, want 1", got)
	}
}
