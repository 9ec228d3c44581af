// Package replication moves journal records from a live server to its
// backup and reports whether the backup is synchronized.
//
// The backup opens a session with ReplicationStart; the live then pushes
// ordered ReplicationBatch packets to the backup's host connector and
// declares the session synchronized once the backup has acknowledged its
// journal tail. A dropped session is never resumed: the backup resets its
// journal and synchronizes again from position 1.
package replication

import (
	"errors"
	"time"
)

var (
	ErrRejected       = errors.New("backup rejected batch")
	ErrDiverged       = errors.New("backup acknowledged an unexpected position")
	ErrUnknownSession = errors.New("unknown replication session")
	ErrAlreadyStarted = errors.New("replication already started")
	ErrNotStarted     = errors.New("replication not started")
)

// State is the backup-side view of a replication channel
type State int

const (
	StateStopped State = iota
	StateConnecting
	StateConnected
	StateSynchronized
	StateLost
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynchronized:
		return "synchronized"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Up reports whether the channel currently reaches the live
func (s State) Up() bool {
	return s == StateConnected || s == StateSynchronized
}

// Channel is the backup side of a live/backup pair: a Receiver for
// replicated pairs, a Link for shared-store pairs.
type Channel interface {
	Start() error
	Stop() error
	State() State
	Synchronized() bool
}

var (
	_ Channel = (*Receiver)(nil)
	_ Channel = (*Link)(nil)
)

// Status summarizes one channel for health reporting
type Status struct {
	Peer         string
	Connected    bool
	Synchronized bool
	Lag          uint64
}

const (
	defaultBatchSize         = 256
	defaultHeartbeatInterval = time.Second
	defaultTimeout           = 5 * time.Second
	defaultReconnect         = 2 * time.Second
	defaultCallTimeout       = 3 * time.Second
	defaultStorageFailures   = 3
)

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
