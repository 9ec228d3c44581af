package protocol

import (
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/journal"
)

// ReplicationStart is sent by a backup to its live to open a fresh
// synchronization. Any earlier session from the same host is abandoned.
type ReplicationStart struct {
	SessionID  string         `json:"session_id"`
	BackupHost cluster.NodeID `json:"backup_host"`
	BackupAddr string         `json:"backup_addr"`
}

func (*ReplicationStart) Tag() Tag { return TagReplicationStart }

// ReplicationAccept confirms the session and reports the journal tail at
// the moment synchronization began.
type ReplicationAccept struct {
	SessionID string `json:"session_id"`
	Tail      uint64 `json:"tail"`
}

func (*ReplicationAccept) Tag() Tag { return TagReplicationAccept }

// ReplicationBatch carries consecutive records
type ReplicationBatch struct {
	SessionID string           `json:"session_id"`
	Records   []journal.Record `json:"records"`
}

func (*ReplicationBatch) Tag() Tag { return TagReplicationBatch }

// ReplicationAck reports the last position the backup applied
type ReplicationAck struct {
	SessionID string `json:"session_id"`
	Position  uint64 `json:"position"`
}

func (*ReplicationAck) Tag() Tag { return TagReplicationAck }

// ReplicationNack rejects a batch; the session is over
type ReplicationNack struct {
	SessionID string `json:"session_id"`
	Expected  uint64 `json:"expected"`
	Reason    string `json:"reason"`
}

func (*ReplicationNack) Tag() Tag { return TagReplicationNack }

// ReplicationSynced tells the backup it holds every record up to Position
// with no gap.
type ReplicationSynced struct {
	SessionID string `json:"session_id"`
	Position  uint64 `json:"position"`
}

func (*ReplicationSynced) Tag() Tag { return TagReplicationSynced }

// ReplicationHeartbeat keeps an idle session alive
type ReplicationHeartbeat struct {
	SessionID string `json:"session_id"`
	Tail      uint64 `json:"tail"`
}

func (*ReplicationHeartbeat) Tag() Tag { return TagReplicationHeartbeat }
