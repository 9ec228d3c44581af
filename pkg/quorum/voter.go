package quorum

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/replication"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

var (
	ErrAlreadyStarted = errors.New("voter already started")
	ErrNotStarted     = errors.New("voter not started")
)

// VoterState is the backup's view of its live
type VoterState int

const (
	StatePassive VoterState = iota
	StateSuspect
	StateVoting
	StatePromoted
)

func (s VoterState) String() string {
	switch s {
	case StatePassive:
		return "passive"
	case StateSuspect:
		return "suspect"
	case StateVoting:
		return "voting"
	case StatePromoted:
		return "promoted"
	default:
		return "unknown"
	}
}

// VoterOptions configures a Voter
type VoterOptions struct {
	// Self is the node hosting the backup; LiveID the identity it protects
	Self   cluster.NodeID
	LiveID cluster.NodeID

	Topology  *cluster.Topology
	Liveness  *cluster.Liveness
	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry

	GracePeriod   time.Duration
	VoteTimeout   time.Duration
	RetryInterval time.Duration
	CallTimeout   time.Duration
	Size          int

	// Promote performs the takeover. An error sends the voter back to
	// SUSPECT for another round.
	Promote func(ctx context.Context) error
}

// Voter runs the PASSIVE → SUSPECT → VOTING → PROMOTED state machine for
// one hosted backup.
type Voter struct {
	opts   VoterOptions
	logger logging.Logger

	mu        sync.Mutex
	state     VoterState
	channelUp bool
	intact    bool
	wake      chan struct{}

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewVoter creates a passive voter
func NewVoter(opts VoterOptions) *Voter {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 3 * time.Second
	}
	if opts.VoteTimeout <= 0 {
		opts.VoteTimeout = 2 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.CallTimeout <= 0 || opts.CallTimeout > opts.VoteTimeout {
		opts.CallTimeout = opts.VoteTimeout
	}
	return &Voter{
		opts:      opts,
		logger:    opts.Logger.With(logging.Component("quorum"), logging.NodeID(opts.LiveID.Short())),
		channelUp: true,
		wake:      make(chan struct{}, 1),
	}
}

// Start runs the state machine
func (v *Voter) Start() error {
	v.runningMu.Lock()
	defer v.runningMu.Unlock()
	if v.running {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.done = make(chan struct{})
	v.running = true
	v.setState(StatePassive)

	go func() {
		defer close(v.done)
		v.run(ctx)
	}()
	return nil
}

// Stop halts the state machine and any vote in flight
func (v *Voter) Stop() error {
	v.runningMu.Lock()
	defer v.runningMu.Unlock()
	if !v.running {
		return ErrNotStarted
	}
	v.running = false
	v.cancel()
	<-v.done
	return nil
}

// State returns the current state
func (v *Voter) State() VoterState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Observe feeds a replication channel state change into the voter. Only
// the loss of a channel that was synchronized raises suspicion: a backup
// that lost its live mid-synchronization holds an incomplete journal and
// must never promote.
func (v *Voter) Observe(s replication.State) {
	v.mu.Lock()
	switch s {
	case replication.StateSynchronized:
		v.intact = true
		v.channelUp = true
	case replication.StateConnected:
		v.intact = false
		v.channelUp = true
	case replication.StateLost:
		if v.intact {
			v.channelUp = false
		}
	default:
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *Voter) setState(s VoterState) {
	v.mu.Lock()
	prev := v.state
	v.state = s
	v.mu.Unlock()

	if prev != s {
		v.logger.Info("voter state", logging.State(s.String()))
	}
	if v.opts.Metrics != nil {
		v.opts.Metrics.SetQuorumState(v.opts.LiveID.String(), s.String())
	}
}

func (v *Voter) isChannelUp() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.channelUp
}

type voteResult struct {
	decision Decision
	vote     Vote
}

func (v *Voter) run(ctx context.Context) {
	var (
		timer      clock.Timer
		timerC     <-chan time.Time
		voteCancel context.CancelFunc
		results    chan voteResult
	)
	arm := func(d time.Duration) {
		if timer != nil {
			timer.Stop()
		}
		timer = v.opts.Clock.NewTimer(d)
		timerC = timer.C()
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	abortVote := func() {
		if voteCancel != nil {
			voteCancel()
		}
		voteCancel, results = nil, nil
	}
	defer func() {
		disarm()
		abortVote()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-v.wake:
			up := v.isChannelUp()
			switch state := v.State(); {
			case up && (state == StateSuspect || state == StateVoting):
				abortVote()
				disarm()
				v.logger.Info("channel restored, suspicion cleared")
				v.setState(StatePassive)
			case up && state == StatePassive:
				disarm()
			case !up && state == StatePassive:
				v.logger.Warn("live suspected", logging.Duration("grace", v.opts.GracePeriod))
				v.setState(StateSuspect)
				arm(v.opts.GracePeriod)
			}

		case <-timerC:
			timer, timerC = nil, nil
			switch v.State() {
			case StatePassive:
				// A vote found the live alive but the channel never came back
				if !v.isChannelUp() {
					v.setState(StateSuspect)
					arm(v.opts.GracePeriod)
				}
			case StateSuspect:
				v.setState(StateVoting)
				vctx, cancel := context.WithCancel(ctx)
				voteCancel = cancel
				results = make(chan voteResult, 1)
				out := results
				go func() {
					d, vote := v.Collect(vctx)
					out <- voteResult{decision: d, vote: vote}
				}()
			}

		case res := <-results:
			voteCancel()
			voteCancel, results = nil, nil

			switch res.decision {
			case DecisionPromote:
				v.logger.Warn("quorum agrees live is down, promoting",
					logging.Count(len(res.vote.Ballots)), logging.Int("required", res.vote.Required))
				if err := v.opts.Promote(ctx); err != nil {
					v.logger.Error("promotion failed", logging.Error(err))
					v.setState(StateSuspect)
					arm(v.opts.RetryInterval)
					continue
				}
				v.setState(StatePromoted)
				return
			case DecisionStay:
				v.logger.Info("quorum still sees the live", logging.Count(len(res.vote.Ballots)))
				v.setState(StatePassive)
				arm(v.opts.RetryInterval)
			default:
				v.logger.Warn("no quorum for a decision, retrying",
					logging.Count(len(res.vote.Ballots)), logging.Int("required", res.vote.Required))
				v.setState(StateSuspect)
				arm(v.opts.RetryInterval)
			}
		}
	}
}
