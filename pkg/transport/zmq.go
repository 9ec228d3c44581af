//go:build zmq
// +build zmq

package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

// ZMQ is a Transport on libzmq REQ/REP sockets. Each listener serves
// requests one at a time; each call uses a fresh REQ socket because zmq
// sockets must not be shared between goroutines.
type ZMQ struct {
	codec       protocol.Codec
	logger      logging.Logger
	callTimeout time.Duration

	mu        sync.Mutex
	listeners map[*zmqListener]struct{}
	closed    bool
}

var _ Transport = (*ZMQ)(nil)

// NewZMQ creates a zmq transport; Workers in opts is ignored
func NewZMQ(opts MangosOptions) *ZMQ {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	codec := protocol.NewCodec(protocol.DefaultCompressThreshold)
	if opts.Codec != nil {
		codec = *opts.Codec
	}
	return &ZMQ{
		codec:       codec,
		logger:      opts.Logger.With(logging.Component("transport")),
		callTimeout: opts.CallTimeout,
		listeners:   make(map[*zmqListener]struct{}),
	}
}

type zmqListener struct {
	owner  *ZMQ
	addr   string
	sock   *zmq.Socket
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (z *ZMQ) Listen(addr string, h Handler) (io.Closer, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil, ErrClosed
	}

	sock, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return nil, fmt.Errorf("failed to create REP socket: %w", err)
	}
	if err := sock.Bind(URL(addr)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	// Poll the stop signal between receives
	if err := sock.SetRcvtimeo(250 * time.Millisecond); err != nil {
		sock.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &zmqListener{owner: z, addr: addr, sock: sock, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	go l.serve(h)

	z.listeners[l] = struct{}{}
	return l, nil
}

func (l *zmqListener) serve(h Handler) {
	defer close(l.done)
	defer l.sock.Close()

	for l.ctx.Err() == nil {
		frame, err := l.sock.RecvBytes(0)
		if err != nil {
			continue
		}
		reply := dispatch(l.ctx, l.owner.codec, h, frame)
		if _, err := l.sock.SendBytes(reply, 0); err != nil {
			l.owner.logger.Debug("failed to send reply", logging.Addr(l.addr), logging.Error(err))
		}
	}
}

func (l *zmqListener) Close() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done

		l.owner.mu.Lock()
		delete(l.owner.listeners, l)
		l.owner.mu.Unlock()
	})
	return nil
}

func (z *ZMQ) Call(ctx context.Context, addr string, env protocol.Envelope) (protocol.Packet, error) {
	z.mu.Lock()
	closed := z.closed
	z.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	timeout := z.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, context.DeadlineExceeded)
	}

	frame, err := z.codec.Encode(env)
	if err != nil {
		return nil, err
	}

	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)
	sock.SetSndtimeo(timeout)
	sock.SetRcvtimeo(timeout)

	if err := sock.Connect(URL(addr)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	if _, err := sock.SendBytes(frame, 0); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	reply, err := sock.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	return unwrapReply(z.codec, reply)
}

func (z *ZMQ) Close() error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil
	}
	z.closed = true
	listeners := make([]*zmqListener, 0, len(z.listeners))
	for l := range z.listeners {
		listeners = append(listeners, l)
	}
	z.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	return nil
}
