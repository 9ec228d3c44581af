// Package protocol defines the packets exchanged over cluster connections
// and their wire codec.
package protocol

import (
	"fmt"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
)

// Tag identifies a packet kind on the wire
type Tag uint8

const (
	TagErrorReply Tag = iota + 1
	TagAck
	TagTopologyAnnounce
	TagTopologyReply
	TagTopologyUpdate
	TagNodeLeft
	TagPing
	TagPong
	TagBackupRequest
	TagBackupResponse
	TagVoteRequest
	TagVoteResponse
	TagReplicationStart
	TagReplicationAccept
	TagReplicationBatch
	TagReplicationAck
	TagReplicationNack
	TagReplicationSynced
	TagReplicationHeartbeat
	TagBackupRelease
)

// Packet is implemented by every packet kind
type Packet interface {
	Tag() Tag
}

// Envelope carries a packet between nodes. Target names the server the
// packet is for; empty means the node that owns the connector. Backups
// hosted inside a node are addressed by the identity they protect.
type Envelope struct {
	From   cluster.NodeID
	Target cluster.NodeID
	Packet Packet
}

type packetKind struct {
	name string
	new  func() Packet
}

// kinds is the closed set of packets the codec accepts
var kinds = map[Tag]packetKind{
	TagErrorReply:           {"error-reply", func() Packet { return &ErrorReply{} }},
	TagAck:                  {"ack", func() Packet { return &Ack{} }},
	TagTopologyAnnounce:     {"topology-announce", func() Packet { return &TopologyAnnounce{} }},
	TagTopologyReply:        {"topology-reply", func() Packet { return &TopologyReply{} }},
	TagTopologyUpdate:       {"topology-update", func() Packet { return &TopologyUpdate{} }},
	TagNodeLeft:             {"node-left", func() Packet { return &NodeLeft{} }},
	TagPing:                 {"ping", func() Packet { return &Ping{} }},
	TagPong:                 {"pong", func() Packet { return &Pong{} }},
	TagBackupRequest:        {"backup-request", func() Packet { return &BackupRequest{} }},
	TagBackupResponse:       {"backup-response", func() Packet { return &BackupResponse{} }},
	TagVoteRequest:          {"vote-request", func() Packet { return &VoteRequest{} }},
	TagVoteResponse:         {"vote-response", func() Packet { return &VoteResponse{} }},
	TagReplicationStart:     {"replication-start", func() Packet { return &ReplicationStart{} }},
	TagReplicationAccept:    {"replication-accept", func() Packet { return &ReplicationAccept{} }},
	TagReplicationBatch:     {"replication-batch", func() Packet { return &ReplicationBatch{} }},
	TagReplicationAck:       {"replication-ack", func() Packet { return &ReplicationAck{} }},
	TagReplicationNack:      {"replication-nack", func() Packet { return &ReplicationNack{} }},
	TagReplicationSynced:    {"replication-synced", func() Packet { return &ReplicationSynced{} }},
	TagReplicationHeartbeat: {"replication-heartbeat", func() Packet { return &ReplicationHeartbeat{} }},
	TagBackupRelease:        {"backup-release", func() Packet { return &BackupRelease{} }},
}

func (t Tag) String() string {
	if k, ok := kinds[t]; ok {
		return k.name
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Ack is the empty reply to one-way notifications
type Ack struct{}

func (*Ack) Tag() Tag { return TagAck }
