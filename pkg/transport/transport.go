// Package transport carries protocol envelopes between cluster connectors
// using a request/reply exchange.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

var (
	// ErrUnreachable wraps every failure to obtain a reply from a peer
	ErrUnreachable = errors.New("peer unreachable")
	ErrClosed      = errors.New("transport closed")
	ErrAddrInUse   = errors.New("address already in use")
)

// Handler answers one incoming envelope. A returned error travels back to
// the caller as a protocol.ErrorReply.
type Handler func(ctx context.Context, env protocol.Envelope) (protocol.Packet, error)

// Transport is a request/reply channel between cluster connectors
type Transport interface {
	Listen(addr string, h Handler) (io.Closer, error)
	Call(ctx context.Context, addr string, env protocol.Envelope) (protocol.Packet, error)
	Close() error
}

// URL turns a bare host:port into a tcp URL; full URLs pass through
func URL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// dispatch decodes a request frame, runs the handler and encodes its reply
func dispatch(ctx context.Context, codec protocol.Codec, h Handler, frame []byte) []byte {
	env, err := codec.Decode(frame)
	if err != nil {
		return mustEncode(codec, protocol.NewErrorReply(fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)))
	}

	reply, err := h(ctx, env)
	if err != nil {
		return mustEncode(codec, protocol.NewErrorReply(err))
	}
	if reply == nil {
		reply = &protocol.Ack{}
	}

	out, err := codec.Encode(protocol.Envelope{From: env.Target, Target: env.From, Packet: reply})
	if err != nil {
		return mustEncode(codec, protocol.NewErrorReply(err))
	}
	return out
}

func mustEncode(codec protocol.Codec, reply *protocol.ErrorReply) []byte {
	out, err := codec.Encode(protocol.Envelope{Packet: reply})
	if err != nil {
		// ErrorReply has only string fields
		panic(err)
	}
	return out
}

// unwrapReply decodes a reply frame, turning an ErrorReply into an error
func unwrapReply(codec protocol.Codec, frame []byte) (protocol.Packet, error) {
	env, err := codec.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("bad reply: %w", err)
	}
	if e, ok := env.Packet.(*protocol.ErrorReply); ok {
		return nil, e.AsError()
	}
	return env.Packet, nil
}

// CallAs performs Call and asserts the reply type
func CallAs[T protocol.Packet](ctx context.Context, t Transport, addr string, env protocol.Envelope) (T, error) {
	var zero T
	reply, err := t.Call(ctx, addr, env)
	if err != nil {
		return zero, err
	}
	typed, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected reply %s to %s", protocol.ErrBadRequest, reply.Tag(), env.Packet.Tag())
	}
	return typed, nil
}
