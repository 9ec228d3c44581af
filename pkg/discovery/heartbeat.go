package discovery

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	s.Heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Heartbeat(ctx)
		}
	}
}

// Heartbeat pings the live server of every other member once and records
// each one that answers as live under its own identity.
func (s *Service) Heartbeat(ctx context.Context) {
	if s.opts.Liveness == nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for _, m := range s.opts.Topology.LiveMembers() {
		if m.NodeID == s.opts.Self {
			continue
		}
		g.Go(func() error {
			ok := Ping(gctx, s.opts.Transport, s.opts.Self, m.NodeID, m.Live, s.opts.CallTimeout)
			if ok {
				s.opts.Liveness.Observe(m.NodeID)
			}
			s.recordHeartbeat(ok)
			return nil
		})
	}
	g.Wait()
}

func (s *Service) recordHeartbeat(ok bool) {
	if s.opts.Metrics == nil {
		return
	}
	if ok {
		s.opts.Metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	} else {
		s.opts.Metrics.HeartbeatsTotal.WithLabelValues("failed").Inc()
	}
}

// Ping reports whether a live server for target answers at addr
func Ping(ctx context.Context, t transport.Transport, from, target cluster.NodeID, addr string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pong, err := transport.CallAs[*protocol.Pong](ctx, t, addr, protocol.Envelope{
		From:   from,
		Target: target,
		Packet: &protocol.Ping{},
	})
	return err == nil && pong.Live && pong.NodeID == target
}
