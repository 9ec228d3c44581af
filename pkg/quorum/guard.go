package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/discovery"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

// ErrIdentityActive means a live server for this identity already answers
// somewhere in the cluster.
var ErrIdentityActive = errors.New("identity already live elsewhere")

// GuardOptions configures a LiveGuard
type GuardOptions struct {
	Self        cluster.NodeID
	Topology    *cluster.Topology
	Transport   transport.Transport
	Logger      logging.Logger
	Metrics     *metrics.Registry
	CallTimeout time.Duration
	Size        int

	// Fence stops the live server; it is called at most once
	Fence func(reason string)
}

// LiveGuard protects against a live server surviving on the minority
// side of a partition while its backup takes over on the majority side.
type LiveGuard struct {
	opts   GuardOptions
	logger logging.Logger
	fenced atomic.Bool
}

func NewLiveGuard(opts GuardOptions) *LiveGuard {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	return &LiveGuard{
		opts:   opts,
		logger: opts.Logger.With(logging.Component("live-guard"), logging.NodeID(opts.Self.Short())),
	}
}

// Reachable pings every other live member and returns how many live
// servers, this one included, answered and how many form a quorum.
func (g *LiveGuard) Reachable(ctx context.Context) (reachable, required int) {
	members := g.opts.Topology.LiveMembers()
	required = Required(ClusterSize(members, g.opts.Self, g.opts.Size))

	var count atomic.Int64
	count.Store(1)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(16)
	for _, m := range members {
		if m.NodeID == g.opts.Self {
			continue
		}
		eg.Go(func() error {
			if discovery.Ping(gctx, g.opts.Transport, g.opts.Self, m.NodeID, m.Live, g.opts.CallTimeout) {
				count.Add(1)
			}
			return nil
		})
	}
	eg.Wait()
	return int(count.Load()), required
}

// Check fences the live server when it can no longer reach a quorum.
// It reports whether the server is (now) fenced.
func (g *LiveGuard) Check(ctx context.Context) bool {
	if g.fenced.Load() {
		return true
	}
	reachable, required := g.Reachable(ctx)
	if ctx.Err() != nil || reachable >= required {
		g.logger.Debug("quorum still reachable", logging.Count(reachable), logging.Int("required", required))
		return false
	}
	if !g.fenced.CompareAndSwap(false, true) {
		return true
	}

	reason := fmt.Sprintf("reached %d of %d required live servers after losing backup", reachable, required)
	g.logger.Warn("fencing live server", logging.String("reason", reason))
	if g.opts.Metrics != nil {
		g.opts.Metrics.FencesTotal.Inc()
	}
	if g.opts.Fence != nil {
		g.opts.Fence(reason)
	}
	return true
}

// Fenced reports whether Check has fenced the server
func (g *LiveGuard) Fenced() bool {
	return g.fenced.Load()
}

// CheckIdentityFree pings id at each address except ownAddr and fails
// with ErrIdentityActive if a live server for id answers.
func CheckIdentityFree(ctx context.Context, t transport.Transport, id cluster.NodeID, ownAddr string, addrs []string, timeout time.Duration) error {
	seen := map[string]bool{ownAddr: true}
	for _, addr := range addrs {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		if discovery.Ping(ctx, t, id, id, addr, timeout) {
			return fmt.Errorf("%w: %s answers at %s", ErrIdentityActive, id.Short(), addr)
		}
	}
	return nil
}
