package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register tcp, ipc, inproc and the other mangos transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

// DefaultCallTimeout bounds a call whose context carries no deadline
const DefaultCallTimeout = 3 * time.Second

// MangosOptions configures a Mangos transport
type MangosOptions struct {
	Codec       *protocol.Codec // nil selects the default threshold
	Logger      logging.Logger
	Workers     int
	CallTimeout time.Duration
}

// Mangos is the default Transport, built on nanomsg REQ/REP sockets.
// Listeners serve requests with a pool of socket contexts; callers share
// one dialed REQ socket per peer and open a context per call.
type Mangos struct {
	codec       protocol.Codec
	logger      logging.Logger
	workers     int
	callTimeout time.Duration

	mu        sync.Mutex
	dialers   map[string]mangos.Socket
	listeners map[*mangosListener]struct{}
	closed    bool
}

var _ Transport = (*Mangos)(nil)

// NewMangos creates a mangos transport
func NewMangos(opts MangosOptions) *Mangos {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	codec := protocol.NewCodec(protocol.DefaultCompressThreshold)
	if opts.Codec != nil {
		codec = *opts.Codec
	}
	return &Mangos{
		codec:       codec,
		logger:      opts.Logger.With(logging.Component("transport")),
		workers:     opts.Workers,
		callTimeout: opts.CallTimeout,
		dialers:     make(map[string]mangos.Socket),
		listeners:   make(map[*mangosListener]struct{}),
	}
}

type mangosListener struct {
	owner  *Mangos
	addr   string
	sock   mangos.Socket
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (m *Mangos) Listen(addr string, h Handler) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	cleanup := newResourceCleanup(m.logger)
	defer cleanup.cleanup()

	sock, err := rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REP socket: %w", err)
	}
	cleanup.add(sock, "rep socket")

	if err := sock.Listen(URL(addr)); err != nil {
		if errors.Is(err, mangos.ErrAddrInUse) {
			return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &mangosListener{owner: m, addr: addr, sock: sock, ctx: ctx, cancel: cancel}

	contexts := make([]mangos.Context, 0, m.workers)
	for i := 0; i < m.workers; i++ {
		c, err := sock.OpenContext()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open REP context: %w", err)
		}
		cleanup.add(c, "rep context")
		contexts = append(contexts, c)
	}

	for _, c := range contexts {
		c := c
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(c, h)
		}()
	}

	cleanup.clear()
	m.listeners[l] = struct{}{}
	m.logger.Debug("listening", logging.Addr(addr), logging.Count(m.workers))
	return l, nil
}

func (l *mangosListener) serve(c mangos.Context, h Handler) {
	for {
		frame, err := c.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) || l.ctx.Err() != nil {
				return
			}
			continue
		}

		reply := dispatch(l.ctx, l.owner.codec, h, frame)
		if err := c.Send(reply); err != nil {
			if errors.Is(err, mangos.ErrClosed) || l.ctx.Err() != nil {
				return
			}
			l.owner.logger.Debug("failed to send reply", logging.Addr(l.addr), logging.Error(err))
		}
	}
}

func (l *mangosListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.sock.Close()
		l.wg.Wait()

		l.owner.mu.Lock()
		delete(l.owner.listeners, l)
		l.owner.mu.Unlock()
	})
	return err
}

func (m *Mangos) dialer(addr string) (mangos.Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if sock, ok := m.dialers[addr]; ok {
		return sock, nil
	}

	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	// Asynchronous dial keeps retrying in the background while the peer is down
	if err := sock.DialOptions(URL(addr), map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	m.dialers[addr] = sock
	return sock, nil
}

func (m *Mangos) Call(ctx context.Context, addr string, env protocol.Envelope) (protocol.Packet, error) {
	sock, err := m.dialer(addr)
	if err != nil {
		return nil, err
	}

	c, err := sock.OpenContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	defer c.Close()

	timeout := m.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, context.DeadlineExceeded)
	}
	if err := c.SetOption(mangos.OptionSendDeadline, timeout); err != nil {
		return nil, err
	}
	if err := c.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return nil, err
	}

	frame, err := m.codec.Encode(env)
	if err != nil {
		return nil, err
	}

	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		if err := c.Send(frame); err != nil {
			done <- result{err: err}
			return
		}
		reply, err := c.Recv()
		done <- result{frame: reply, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, r.err)
		}
		return unwrapReply(m.codec, r.frame)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, ctx.Err())
	}
}

// Close stops all listeners and dialers
func (m *Mangos) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := make([]*mangosListener, 0, len(m.listeners))
	for l := range m.listeners {
		listeners = append(listeners, l)
	}
	dialers := m.dialers
	m.dialers = nil
	m.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for addr, sock := range dialers {
		if err := sock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dialer %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}
