package config

import (
	"errors"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/validation"
)

// Validate checks struct tags and the cross-field rules of the configuration
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	v := validation.NewConfigValidator("config")

	for _, addr := range c.Node.StaticConnectors {
		v.Required("node.static_connectors", addr)
	}

	v.Distinct("storage", c.Storage.Named())

	c.HA.validate(v, c.Node.Acceptor)

	v.MinDuration("cluster.heartbeat_interval", c.Cluster.HeartbeatInterval, 10*time.Millisecond).
		MinDuration("cluster.announce_interval", c.Cluster.AnnounceInterval, 10*time.Millisecond).
		MinDuration("cluster.call_timeout", c.Cluster.CallTimeout, time.Millisecond)

	v.RangeInt("replication.batch_size", c.Replication.BatchSize, 1, 100000).
		MinInt("replication.compress_threshold", c.Replication.CompressThreshold, 0).
		MinDuration("replication.heartbeat_interval", c.Replication.HeartbeatInterval, time.Millisecond).
		Custom("replication.timeout", func() error {
			if c.Replication.Timeout <= c.Replication.HeartbeatInterval {
				return errors.New("timeout must exceed the heartbeat interval")
			}
			return nil
		})

	v.MinDuration("quorum.grace_period", c.Quorum.GracePeriod, time.Millisecond).
		MinDuration("quorum.vote_timeout", c.Quorum.VoteTimeout, time.Millisecond).
		MinDuration("quorum.retry_interval", c.Quorum.RetryInterval, time.Millisecond).
		MinInt("quorum.size", c.Quorum.Size, 0)

	v.When(c.Admin.Enabled, func(cv *validation.ConfigValidator) {
		cv.HostPort("admin.addr", c.Admin.Addr)
	})

	return v.Validate()
}

func (p HAPolicy) validate(v *validation.ConfigValidator, acceptor Acceptor) {
	v.OneOf("ha.type", string(p.Type), PolicyTypes).
		OneOf("ha.strategy", string(p.Strategy), []string{string(StrategyFull), string(StrategyScaleDown)}).
		RangeInt("ha.max_backups", p.MaxBackups, 0, 64).
		Retries("ha.backup_request_retries", p.BackupRequestRetries).
		MinDuration("ha.backup_request_retry_interval", p.BackupRequestRetryInterval, time.Millisecond).
		MinDuration("ha.backup_request_timeout", p.BackupRequestTimeout, time.Millisecond)

	v.When(p.Type.Colocated() && p.MaxBackups > 0, func(cv *validation.ConfigValidator) {
		cv.MinInt("ha.backup_port_offset", p.BackupPortOffset, 1).
			Custom("ha.backup_port_offset", func() error {
				if acceptor.Port+p.BackupPortOffset*p.MaxBackups > 65535 {
					return errors.New("derived backup ports exceed 65535")
				}
				return nil
			})
	})

	v.When(p.Standby(), func(cv *validation.ConfigValidator) {
		cv.Custom("ha.request_backup", func() error {
			if p.RequestBackup {
				return errors.New("a standby node does not request backups")
			}
			return nil
		})
	})

	v.When(p.Type.Colocated(), func(cv *validation.ConfigValidator) {
		cv.Custom("ha.backup", func() error {
			if p.Backup {
				return errors.New("colocated policies have no standby role")
			}
			return nil
		})
	})
}
