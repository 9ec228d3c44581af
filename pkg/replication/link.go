package replication

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/discovery"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

// LinkOptions configures a shared-store backup's link to its live
type LinkOptions struct {
	LiveID   cluster.NodeID
	HostID   cluster.NodeID
	LiveAddr func() string

	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger

	Interval    time.Duration
	Timeout     time.Duration
	CallTimeout time.Duration

	OnState func(State)
}

// Link is the channel of a shared-store pair. Both servers see the same
// directories, so nothing is streamed; the link only pings the live and
// signals loss and restoration like a Receiver.
type Link struct {
	opts   LinkOptions
	logger logging.Logger
	life   lifecycle

	mu     sync.Mutex
	state  State
	lastOK time.Time
}

// NewLink creates a stopped link
func NewLink(opts LinkOptions) *Link {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	opts.Interval = orDuration(opts.Interval, defaultHeartbeatInterval)
	opts.Timeout = orDuration(opts.Timeout, defaultTimeout)
	opts.CallTimeout = orDuration(opts.CallTimeout, defaultCallTimeout)

	return &Link{
		opts:   opts,
		logger: opts.Logger.With(logging.Component("shared-store-link"), logging.NodeID(opts.LiveID.Short())),
	}
}

func (l *Link) Start() error {
	l.mu.Lock()
	l.lastOK = l.opts.Clock.Now()
	l.mu.Unlock()
	l.set(StateConnecting)
	return l.life.start(l.run)
}

func (l *Link) Stop() error {
	if err := l.life.stop(); err != nil {
		return err
	}
	l.set(StateStopped)
	return nil
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Synchronized is true while the live answers; the store itself is shared
func (l *Link) Synchronized() bool {
	return l.State() == StateSynchronized
}

func (l *Link) Status() Status {
	s := l.State()
	return Status{Peer: l.opts.LiveID.String(), Connected: s.Up(), Synchronized: s == StateSynchronized}
}

func (l *Link) set(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed && l.opts.OnState != nil {
		l.opts.OnState(s)
	}
}

func (l *Link) run(ctx context.Context) {
	ticker := l.opts.Clock.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.heartbeat(ctx)
		}
	}
}

func (l *Link) heartbeat(ctx context.Context) {
	addr := ""
	if l.opts.LiveAddr != nil {
		addr = l.opts.LiveAddr()
	}
	ok := addr != "" && discovery.Ping(ctx, l.opts.Transport, l.opts.HostID, l.opts.LiveID, addr, l.opts.CallTimeout)
	if ctx.Err() != nil {
		return
	}

	now := l.opts.Clock.Now()
	l.mu.Lock()
	if ok {
		l.lastOK = now
	}
	expired := now.Sub(l.lastOK) > l.opts.Timeout
	l.mu.Unlock()

	switch {
	case ok:
		l.set(StateSynchronized)
	case expired && l.State() != StateLost:
		l.logger.Warn("shared-store live unreachable", logging.Duration("silence", now.Sub(l.lastOK)))
		l.set(StateLost)
	}
}
