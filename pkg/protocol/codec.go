package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
)

const (
	wireVersion byte = 1

	flagSnappy byte = 1 << 0

	// DefaultCompressThreshold is the payload size above which packets are compressed
	DefaultCompressThreshold = 4096
)

// Codec encodes envelopes as
// [Version:1][Tag:1][Flags:1][FromLen:1][From][TargetLen:1][Target][Payload]
// where Payload is the JSON packet body, snappy-compressed when flagged.
type Codec struct {
	// CompressThreshold: payloads larger than this are compressed; 0 disables
	CompressThreshold int
}

// NewCodec creates a codec with the given compression threshold
func NewCodec(threshold int) Codec {
	return Codec{CompressThreshold: threshold}
}

// Encode serializes an envelope
func (c Codec) Encode(env Envelope) ([]byte, error) {
	if env.Packet == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrMalformed)
	}
	tag := env.Packet.Tag()
	if _, ok := kinds[tag]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	if len(env.From) > 255 || len(env.Target) > 255 {
		return nil, fmt.Errorf("%w: identity too long", ErrMalformed)
	}

	payload, err := json.Marshal(env.Packet)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", tag, err)
	}

	var flags byte
	if c.CompressThreshold > 0 && len(payload) > c.CompressThreshold {
		payload = snappy.Encode(nil, payload)
		flags |= flagSnappy
	}

	buf := make([]byte, 0, 5+len(env.From)+len(env.Target)+len(payload))
	buf = append(buf, wireVersion, byte(tag), flags, byte(len(env.From)))
	buf = append(buf, string(env.From)...)
	buf = append(buf, byte(len(env.Target)))
	buf = append(buf, string(env.Target)...)
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses a frame produced by Encode
func (c Codec) Decode(frame []byte) (Envelope, error) {
	var env Envelope

	if len(frame) < 5 {
		return env, fmt.Errorf("%w: %d bytes", ErrMalformed, len(frame))
	}
	if frame[0] != wireVersion {
		return env, fmt.Errorf("%w: version %d", ErrMalformed, frame[0])
	}
	tag, flags := Tag(frame[1]), frame[2]
	kind, ok := kinds[tag]
	if !ok {
		return env, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}

	rest := frame[3:]
	from, rest, err := readID(rest)
	if err != nil {
		return env, err
	}
	target, rest, err := readID(rest)
	if err != nil {
		return env, err
	}

	payload := rest
	if flags&flagSnappy != 0 {
		payload, err = snappy.Decode(nil, rest)
		if err != nil {
			return env, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	pkt := kind.new()
	if err := json.Unmarshal(payload, pkt); err != nil {
		return env, fmt.Errorf("failed to decode %s: %w", tag, err)
	}

	env.From, env.Target, env.Packet = from, target, pkt
	return env, nil
}

func readID(b []byte) (cluster.NodeID, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("%w: truncated identity", ErrMalformed)
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("%w: truncated identity", ErrMalformed)
	}
	return cluster.NodeID(b[1 : 1+n]), b[1+n:], nil
}
