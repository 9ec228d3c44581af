package replication

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/journal"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

// Session is the live side of one synchronization with a backup.
// Records flow from LastAcked+1 to the journal tail in position order,
// one batch in flight at a time.
type Session struct {
	ID         string
	BackupHost cluster.NodeID
	BackupAddr string

	source    *Source
	startTail uint64
	lastAcked atomic.Uint64
	synced    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Source) newSession(req *protocol.ReplicationStart) *Session {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Session{
		ID:         req.SessionID,
		BackupHost: req.BackupHost,
		BackupAddr: req.BackupAddr,
		source:     s,
		startTail:  s.opts.Journal.LastPosition(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// LastAcked returns the highest position the backup has applied
func (sess *Session) LastAcked() uint64 {
	return sess.lastAcked.Load()
}

func (sess *Session) run() error {
	defer sess.cancel()

	src := sess.source
	opts := src.opts
	watch, unwatch := opts.Journal.Watch()
	defer unwatch()

	heartbeat := opts.Clock.NewTimer(opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		if err := sess.ctx.Err(); err != nil {
			return err
		}

		tail := opts.Journal.LastPosition()
		acked := sess.lastAcked.Load()

		if acked < tail {
			recs, err := opts.Journal.Read(acked+1, opts.BatchSize)
			if err != nil {
				return fmt.Errorf("failed to read journal at %d: %w", acked+1, err)
			}
			if err := sess.sendBatch(recs); err != nil {
				return err
			}
			heartbeat.Reset(opts.HeartbeatInterval)
			continue
		}

		if !sess.synced.Load() {
			if _, err := sess.call(&protocol.ReplicationSynced{SessionID: sess.ID, Position: acked}); err != nil {
				return err
			}
			sess.synced.Store(true)
			if opts.Metrics != nil {
				opts.Metrics.SetSynchronized(opts.LiveID.String(), true)
			}
			src.logger.Info("backup synchronized",
				logging.String("session", sess.ID), logging.Peer(sess.BackupHost.Short()), logging.Position(acked))
			if opts.OnSynchronized != nil {
				opts.OnSynchronized(sess.BackupHost)
			}
			heartbeat.Reset(opts.HeartbeatInterval)
		}

		select {
		case <-sess.ctx.Done():
			return sess.ctx.Err()
		case <-watch:
		case <-heartbeat.C():
			if _, err := sess.call(&protocol.ReplicationHeartbeat{SessionID: sess.ID, Tail: tail}); err != nil {
				return err
			}
			heartbeat.Reset(opts.HeartbeatInterval)
		}
	}
}

func (sess *Session) sendBatch(recs []journal.Record) error {
	if len(recs) == 0 {
		return nil
	}
	opts := sess.source.opts
	want := recs[len(recs)-1].Position

	reply, err := sess.call(&protocol.ReplicationBatch{SessionID: sess.ID, Records: recs})
	if err != nil {
		return err
	}

	switch r := reply.(type) {
	case *protocol.ReplicationAck:
		if r.Position != want {
			return fmt.Errorf("%w: got %d, sent up to %d", ErrDiverged, r.Position, want)
		}
	case *protocol.ReplicationNack:
		return fmt.Errorf("%w: expected %d: %s", ErrRejected, r.Expected, r.Reason)
	default:
		return fmt.Errorf("%w: unexpected reply %s", protocol.ErrBadRequest, reply.Tag())
	}

	sess.lastAcked.Store(want)
	if opts.Metrics != nil {
		bytes := 0
		for _, rec := range recs {
			bytes += len(rec.Data)
		}
		opts.Metrics.RecordReplication("sent", len(recs), bytes)
		tail := opts.Journal.LastPosition()
		if tail >= want {
			opts.Metrics.ReplicationLagPositions.WithLabelValues(opts.LiveID.String()).Set(float64(tail - want))
		}
	}
	return nil
}

// call delivers p to the backup, addressed by the live identity it protects
func (sess *Session) call(p protocol.Packet) (protocol.Packet, error) {
	opts := sess.source.opts
	ctx, cancel := context.WithTimeout(sess.ctx, opts.CallTimeout)
	defer cancel()

	reply, err := opts.Transport.Call(ctx, sess.BackupAddr, protocol.Envelope{
		From:   opts.LiveID,
		Target: opts.LiveID,
		Packet: p,
	})
	if err != nil {
		if sess.ctx.Err() != nil {
			return nil, sess.ctx.Err()
		}
		return nil, err
	}
	if nack, ok := reply.(*protocol.ReplicationNack); ok && p.Tag() != protocol.TagReplicationBatch {
		return nil, fmt.Errorf("%w: %s", ErrRejected, nack.Reason)
	}
	return reply, nil
}
