package replication

import (
	"context"
	"sync"
)

// lifecycle tracks whether a component's background work is running and
// serializes its start and stop sequences.
type lifecycle struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// start runs fn in a goroutine with a context canceled by stop
func (l *lifecycle) start(fn func(ctx context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(ctx)
	}()
	return nil
}

// stop cancels the running work and waits for it to return
func (l *lifecycle) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return ErrNotStarted
	}
	l.running = false
	l.cancel()
	l.wg.Wait()
	return nil
}

func (l *lifecycle) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// group tracks goroutines spawned outside start
type group struct {
	wg sync.WaitGroup
}

func (g *group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *group) Wait() {
	g.wg.Wait()
}
