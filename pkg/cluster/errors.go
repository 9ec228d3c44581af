package cluster

import "errors"

// Identity errors
var (
	ErrInvalidNodeID   = errors.New("node ID is not a valid UUID")
	ErrCorruptIdentity = errors.New("identity file is corrupt")
)

// Topology errors
var (
	ErrMemberNotFound = errors.New("member not found in topology")
)
