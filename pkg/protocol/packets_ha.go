package protocol

import (
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
)

// RefusalReason says why a candidate declined a backup request
type RefusalReason string

const (
	RefusedFull           RefusalReason = "full"
	RefusedAlreadyHosting RefusalReason = "already-hosting"
	RefusedOwnIdentity    RefusalReason = "own-identity"
	RefusedPolicy         RefusalReason = "policy-mismatch"
	RefusedStopping       RefusalReason = "stopping"
	RefusedLaunchFailed   RefusalReason = "launch-failed"
)

// BackupRequest asks a candidate to host a backup of RequesterID
type BackupRequest struct {
	RequesterID   cluster.NodeID      `json:"requester_id"`
	RequesterAddr string              `json:"requester_addr"`
	Policy        config.PolicyType   `json:"policy"`
	Strategy      config.Strategy     `json:"strategy"`
	LiveStorage   config.StoragePaths `json:"live_storage"`
}

func (*BackupRequest) Tag() Tag { return TagBackupRequest }

// Colocated reports whether the request is for a colocated backup
func (r *BackupRequest) Colocated() bool {
	return r.Policy.Colocated()
}

// BackupResponse grants or refuses a backup request
type BackupResponse struct {
	Granted   bool              `json:"granted"`
	Reason    RefusalReason     `json:"reason,omitempty"`
	HostID    cluster.NodeID    `json:"host_id"`
	HostAddr  string            `json:"host_addr"`
	Slot      int               `json:"slot,omitempty"`
	Acceptors []config.Acceptor `json:"acceptors,omitempty"`
}

func (*BackupResponse) Tag() Tag { return TagBackupResponse }

// BackupRelease tells a host to stop the backup it keeps for LiveID. The
// live sends it before asking anyone else, after losing sight of the host.
type BackupRelease struct {
	LiveID cluster.NodeID `json:"live_id"`
}

func (*BackupRelease) Tag() Tag { return TagBackupRelease }
