package config

import (
	"time"

	"github.com/dd0wney/cluso-mq/pkg/validation"
)

// PolicyType is the HA policy family of a node
type PolicyType string

const (
	SimpleReplicated     PolicyType = "simple-replicated"
	SimpleSharedStore    PolicyType = "simple-shared-store"
	ColocatedReplicated  PolicyType = "colocated-replicated"
	ColocatedSharedStore PolicyType = "colocated-shared-store"
)

// PolicyTypes lists every valid policy type
var PolicyTypes = []string{
	string(SimpleReplicated),
	string(SimpleSharedStore),
	string(ColocatedReplicated),
	string(ColocatedSharedStore),
}

// Colocated reports whether backups run inside the requesting node's peers
func (p PolicyType) Colocated() bool {
	return p == ColocatedReplicated || p == ColocatedSharedStore
}

// SharedStore reports whether live and backup share storage directories
func (p PolicyType) SharedStore() bool {
	return p == SimpleSharedStore || p == ColocatedSharedStore
}

// Strategy is what a backup becomes when it promotes
type Strategy string

const (
	// StrategyFull backups become complete live servers
	StrategyFull Strategy = "FULL"
	// StrategyScaleDown backups hand their records to the hosting node
	StrategyScaleDown Strategy = "SCALE_DOWN"
)

// HAPolicy is the node-level high availability policy
type HAPolicy struct {
	Type     PolicyType `yaml:"type" json:"type"`
	Strategy Strategy   `yaml:"strategy" json:"strategy"`
	// Backup puts a simple-policy node in the standby role: it hosts one
	// backup and never serves as live on its own.
	Backup                     bool          `yaml:"backup" json:"backup"`
	MaxBackups                 int           `yaml:"max_backups" json:"max_backups"`
	RequestBackup              bool          `yaml:"request_backup" json:"request_backup"`
	BackupPortOffset           int           `yaml:"backup_port_offset" json:"backup_port_offset"`
	BackupRequestRetries       int           `yaml:"backup_request_retries" json:"backup_request_retries"`
	BackupRequestRetryInterval time.Duration `yaml:"backup_request_retry_interval" json:"backup_request_retry_interval"`
	BackupRequestTimeout       time.Duration `yaml:"backup_request_timeout" json:"backup_request_timeout"`
}

// ApplyDefaults fills zero-valued tunables
func (p *HAPolicy) ApplyDefaults() {
	d := Default().HA

	p.Type = validation.DefaultOr(p.Type, d.Type)
	p.Strategy = validation.DefaultOr(p.Strategy, d.Strategy)
	p.BackupRequestRetryInterval = validation.DefaultOrDuration(p.BackupRequestRetryInterval, d.BackupRequestRetryInterval)
	p.BackupRequestTimeout = validation.DefaultOrDuration(p.BackupRequestTimeout, d.BackupRequestTimeout)
	if !p.Type.Colocated() && p.Backup && p.MaxBackups == 0 {
		p.MaxBackups = 1
	}
}

// Standby reports whether the node only hosts a backup
func (p HAPolicy) Standby() bool {
	return !p.Type.Colocated() && p.Backup
}

// Unlimited reports whether backup requests retry forever
func (p HAPolicy) Unlimited() bool {
	return p.BackupRequestRetries < 0
}
