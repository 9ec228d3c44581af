package server

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

// handle is the node's transport handler.
//
// Node-level packets (topology, backup requests and releases, votes) are answered by
// the node whatever their Target. Everything else is routed by Target: an
// empty Target or the node's own identity reaches its live server, the
// identity of a hosted backup reaches that backup.
func (s *Server) handle(ctx context.Context, env protocol.Envelope) (protocol.Packet, error) {
	if reply, ok, err := s.discovery.Handle(ctx, env); ok {
		return reply, err
	}

	switch p := env.Packet.(type) {
	case *protocol.BackupRequest:
		return s.manager.HandleBackupRequest(p), nil
	case *protocol.BackupRelease:
		ack, err := s.manager.HandleBackupRelease(env.From, p)
		if err != nil {
			return nil, err
		}
		return ack, nil
	case *protocol.VoteRequest:
		voter := env.Target
		if voter == "" {
			voter = s.id
		}
		return s.responder.HandleVote(voter, p), nil
	}

	target := env.Target
	if target == "" || target == s.id {
		if live := s.live.Load(); live != nil {
			return live.handle(env)
		}
		if _, ok := env.Packet.(*protocol.Ping); ok {
			return &protocol.Pong{NodeID: s.id, Live: s.Running()}, nil
		}
		return nil, fmt.Errorf("%w: %s has no live server", protocol.ErrUnknownTarget, s.id.Short())
	}

	if backup, ok := s.manager.Backup(target); ok {
		if b, ok := backup.(*backupServer); ok {
			return b.handle(ctx, env)
		}
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownTarget, target.Short())
}
