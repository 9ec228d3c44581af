package journal

import "sync"

// watchers fans a "journal grew" signal out to coalescing channels
type watchers struct {
	mu     sync.Mutex
	chans  map[uint64]chan struct{}
	nextID uint64
}

func (w *watchers) add() (<-chan struct{}, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.chans == nil {
		w.chans = make(map[uint64]chan struct{})
	}
	id := w.nextID
	w.nextID++
	ch := make(chan struct{}, 1)
	w.chans[id] = ch

	return ch, func() {
		w.mu.Lock()
		delete(w.chans, id)
		w.mu.Unlock()
	}
}

func (w *watchers) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
