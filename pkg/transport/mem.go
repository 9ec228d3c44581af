package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

// MemNetwork is an in-process network of transports whose links can be
// cut to simulate partitions. Every exchange goes through the wire codec.
type MemNetwork struct {
	codec protocol.Codec

	mu        sync.RWMutex
	listeners map[string]*memListener
	groups    map[string]int
	isolated  map[string]bool
}

type memListener struct {
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMemNetwork creates a fully connected network
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		codec:     protocol.NewCodec(protocol.DefaultCompressThreshold),
		listeners: make(map[string]*memListener),
		groups:    make(map[string]int),
		isolated:  make(map[string]bool),
	}
}

// Endpoint returns a transport whose calls originate from home, the
// cluster address of the node using it.
func (n *MemNetwork) Endpoint(home string) *MemTransport {
	return &MemTransport{net: n, home: home, owned: make(map[string]io.Closer)}
}

// Partition splits the listed addresses into groups that cannot reach
// each other. Unlisted addresses reach everyone.
func (n *MemNetwork) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups = make(map[string]int)
	for i, g := range groups {
		for _, addr := range g {
			n.groups[addr] = i + 1
		}
	}
}

// Isolate cuts addrs off from every other address
func (n *MemNetwork) Isolate(addrs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range addrs {
		n.isolated[a] = true
	}
}

// Heal restores full connectivity
func (n *MemNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[string]int)
	n.isolated = make(map[string]bool)
}

// Reachable reports whether from can currently exchange packets with to
func (n *MemNetwork) Reachable(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reachableLocked(from, to)
}

func (n *MemNetwork) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	if n.isolated[from] || n.isolated[to] {
		return false
	}
	gf, gt := n.groups[from], n.groups[to]
	return gf == 0 || gt == 0 || gf == gt
}

// MemTransport is one node's view of a MemNetwork
type MemTransport struct {
	net  *MemNetwork
	home string

	mu     sync.Mutex
	owned  map[string]io.Closer
	closed bool
}

var _ Transport = (*MemTransport)(nil)

func (t *MemTransport) Listen(addr string, h Handler) (io.Closer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	n := t.net
	n.mu.Lock()
	if _, ok := n.listeners[addr]; ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &memListener{handler: h, ctx: ctx, cancel: cancel}
	n.listeners[addr] = l
	n.mu.Unlock()

	var once sync.Once
	closer := closerFunc(func() error {
		once.Do(func() {
			n.mu.Lock()
			if n.listeners[addr] == l {
				delete(n.listeners, addr)
			}
			n.mu.Unlock()
			l.cancel()
			l.wg.Wait()

			t.mu.Lock()
			delete(t.owned, addr)
			t.mu.Unlock()
		})
		return nil
	})
	t.owned[addr] = closer
	return closer, nil
}

func (t *MemTransport) Call(ctx context.Context, addr string, env protocol.Envelope) (protocol.Packet, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	n := t.net
	n.mu.RLock()
	l, ok := n.listeners[addr]
	reachable := n.reachableLocked(t.home, addr)
	if ok && reachable {
		l.wg.Add(1)
	}
	n.mu.RUnlock()

	if !ok || !reachable {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	frame, err := n.codec.Encode(env)
	if err != nil {
		l.wg.Done()
		return nil, err
	}

	done := make(chan []byte, 1)
	go func() {
		defer l.wg.Done()
		done <- dispatch(l.ctx, n.codec, l.handler, frame)
	}()

	select {
	case reply := <-done:
		if !n.Reachable(addr, t.home) {
			return nil, fmt.Errorf("%w: %s: reply lost", ErrUnreachable, addr)
		}
		return unwrapReply(n.codec, reply)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, ctx.Err())
	case <-l.ctx.Done():
		return nil, fmt.Errorf("%w: %s: listener closed", ErrUnreachable, addr)
	}
}

// Close stops every listener opened through this transport
func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	closers := make([]io.Closer, 0, len(t.owned))
	for _, c := range t.owned {
		closers = append(closers, c)
	}
	t.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	return nil
}
