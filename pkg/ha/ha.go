// Package ha places backups across the cluster: a Manager owns the backup
// instances a node hosts and answers backup requests; a Requester obtains
// a backup for a live identity.
package ha

import (
	"errors"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
)

var (
	ErrAlreadyStarted = errors.New("ha already started")
	ErrNotStarted     = errors.New("ha not started")
	ErrNotBackupOwner = errors.New("only the live may release its backup")
)

// Allocation is a granted backup hosted by this node
type Allocation struct {
	HostID    cluster.NodeID      `json:"host_id"`
	BackupOf  cluster.NodeID      `json:"backup_of"`
	LiveAddr  string              `json:"live_addr"`
	Slot      int                 `json:"slot"`
	Policy    config.PolicyType   `json:"policy"`
	Strategy  config.Strategy     `json:"strategy"`
	Acceptors []config.Acceptor   `json:"acceptors"`
	Storage   config.StoragePaths `json:"storage"`
}

// BackupServer is a backup instance running inside the hosting node
type BackupServer interface {
	// LiveID is the identity the backup adopts
	LiveID() cluster.NodeID
	Allocation() Allocation
	Stop() error
}

// Launcher creates and starts the backup instance for an allocation
type Launcher func(alloc Allocation) (BackupServer, error)
