// Package config loads and validates a broker node's configuration and
// derives the storage paths and acceptors of hosted backups.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-mq/pkg/validation"
)

// Config is the full node configuration
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	HA          HAPolicy          `yaml:"ha"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Replication ReplicationConfig `yaml:"replication"`
	Quorum      QuorumConfig      `yaml:"quorum"`
	Logging     LoggingConfig     `yaml:"logging"`
	Admin       AdminConfig       `yaml:"admin"`
}

// NodeConfig identifies the node and its connectors
type NodeConfig struct {
	Name             string   `yaml:"name" validate:"required,nodename"`
	DataDir          string   `yaml:"data_dir" validate:"required"`
	ClusterAddr      string   `yaml:"cluster_addr" validate:"required"`
	Acceptor         Acceptor `yaml:"acceptor"`
	StaticConnectors []string `yaml:"static_connectors"`
}

// Acceptor is a client-facing listening address
type Acceptor struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
}

// Addr returns host:port
func (a Acceptor) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// StorageConfig selects the journal implementation and its directories
type StorageConfig struct {
	StoragePaths `yaml:",inline"`
	// Memory keeps the journal in memory; used by tests and throwaway nodes.
	Memory          bool `yaml:"memory"`
	CompressJournal bool `yaml:"compress_journal"`
	SyncWrites      bool `yaml:"sync_writes"`
}

// StoragePaths are the four directory kinds a server writes to
type StoragePaths struct {
	Journal       string `yaml:"journal_dir" json:"journal"`
	Bindings      string `yaml:"bindings_dir" json:"bindings"`
	Paging        string `yaml:"paging_dir" json:"paging"`
	LargeMessages string `yaml:"large_messages_dir" json:"large_messages"`
}

// Named returns the paths keyed by directory kind
func (p StoragePaths) Named() map[string]string {
	return map[string]string{
		"journal":        p.Journal,
		"bindings":       p.Bindings,
		"paging":         p.Paging,
		"large_messages": p.LargeMessages,
	}
}

// ClusterConfig tunes topology discovery and heartbeats
type ClusterConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AnnounceInterval  time.Duration `yaml:"announce_interval"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
}

// ReplicationConfig tunes the live to backup record stream
type ReplicationConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	CompressThreshold int           `yaml:"compress_threshold"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Timeout           time.Duration `yaml:"timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// QuorumConfig tunes failure detection and voting
type QuorumConfig struct {
	// GracePeriod is how long a backup stays SUSPECT before voting. It is
	// also the window a voter uses when asked whether it observed a live.
	GracePeriod   time.Duration `yaml:"grace_period"`
	VoteTimeout   time.Duration `yaml:"vote_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	// Size overrides the cluster size used for the majority test; 0 means
	// the number of live members in the topology.
	Size int `yaml:"size"`
	// VoteOnReplicationFailure makes a live fence itself when it loses its
	// backup channel and cannot reach a quorum.
	VoteOnReplicationFailure bool `yaml:"vote_on_replication_failure"`
}

// LoggingConfig selects the log level
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// AdminConfig configures the operational HTTP endpoint
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration with every tunable set
func Default() Config {
	return Config{
		Node: NodeConfig{
			Name:        "broker",
			DataDir:     "data",
			ClusterAddr: "localhost:9876",
			Acceptor:    Acceptor{Host: "localhost", Port: 61616},
		},
		HA: HAPolicy{
			Type:                       ColocatedReplicated,
			Strategy:                   StrategyFull,
			MaxBackups:                 1,
			RequestBackup:              true,
			BackupPortOffset:           100,
			BackupRequestRetries:       -1,
			BackupRequestRetryInterval: 5 * time.Second,
			BackupRequestTimeout:       5 * time.Second,
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: 1 * time.Second,
			AnnounceInterval:  30 * time.Second,
			CallTimeout:       3 * time.Second,
		},
		Replication: ReplicationConfig{
			BatchSize:         256,
			CompressThreshold: 4096,
			HeartbeatInterval: 1 * time.Second,
			Timeout:           5 * time.Second,
			ReconnectInterval: 2 * time.Second,
		},
		Quorum: QuorumConfig{
			GracePeriod:              3 * time.Second,
			VoteTimeout:              2 * time.Second,
			RetryInterval:            5 * time.Second,
			VoteOnReplicationFailure: true,
		},
		Logging: LoggingConfig{Level: "info"},
		Admin:   AdminConfig{Enabled: true, Addr: "localhost:8161"},
	}
}

// Load reads a YAML configuration file over Default, fills derived
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields from Default and places unset
// storage directories under the data directory.
func (c *Config) ApplyDefaults() {
	d := Default()

	c.HA.ApplyDefaults()
	c.Cluster.HeartbeatInterval = validation.DefaultOrDuration(c.Cluster.HeartbeatInterval, d.Cluster.HeartbeatInterval)
	c.Cluster.AnnounceInterval = validation.DefaultOrDuration(c.Cluster.AnnounceInterval, d.Cluster.AnnounceInterval)
	c.Cluster.CallTimeout = validation.DefaultOrDuration(c.Cluster.CallTimeout, d.Cluster.CallTimeout)
	c.Replication.BatchSize = validation.DefaultOrInt(c.Replication.BatchSize, d.Replication.BatchSize)
	c.Replication.CompressThreshold = validation.DefaultOrInt(c.Replication.CompressThreshold, d.Replication.CompressThreshold)
	c.Replication.HeartbeatInterval = validation.DefaultOrDuration(c.Replication.HeartbeatInterval, d.Replication.HeartbeatInterval)
	c.Replication.Timeout = validation.DefaultOrDuration(c.Replication.Timeout, d.Replication.Timeout)
	c.Replication.ReconnectInterval = validation.DefaultOrDuration(c.Replication.ReconnectInterval, d.Replication.ReconnectInterval)
	c.Quorum.GracePeriod = validation.DefaultOrDuration(c.Quorum.GracePeriod, d.Quorum.GracePeriod)
	c.Quorum.VoteTimeout = validation.DefaultOrDuration(c.Quorum.VoteTimeout, d.Quorum.VoteTimeout)
	c.Quorum.RetryInterval = validation.DefaultOrDuration(c.Quorum.RetryInterval, d.Quorum.RetryInterval)
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = d.Admin.Addr
	}

	dir := func(v, name string) string {
		if v != "" {
			return v
		}
		return filepath.Join(c.Node.DataDir, name)
	}
	c.Storage.Journal = dir(c.Storage.Journal, "journal")
	c.Storage.Bindings = dir(c.Storage.Bindings, "bindings")
	c.Storage.Paging = dir(c.Storage.Paging, "paging")
	c.Storage.LargeMessages = dir(c.Storage.LargeMessages, "large-messages")
}
