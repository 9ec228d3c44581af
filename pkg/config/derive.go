package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrDirectoryClash means a replicated pair would write to the same directory
	ErrDirectoryClash = errors.New("replicated live and backup share a storage directory")
	// ErrSharedStoreMismatch means a shared-store pair resolved to different directories
	ErrSharedStoreMismatch = errors.New("shared-store live and backup use different storage directories")
)

// BackupDir returns the sibling of hostDir namespaced by the live identity
func BackupDir(hostDir, liveID string) string {
	return filepath.Clean(hostDir) + "-backup-" + liveID
}

// BackupStorage resolves the directories a hosted backup of liveID writes to.
// Shared-store backups use the live's exact directories; replicated backups
// use siblings of the host's own directories.
func BackupStorage(policy PolicyType, host, live StoragePaths, liveID string) StoragePaths {
	if policy.SharedStore() {
		return live
	}
	return StoragePaths{
		Journal:       BackupDir(host.Journal, liveID),
		Bindings:      BackupDir(host.Bindings, liveID),
		Paging:        BackupDir(host.Paging, liveID),
		LargeMessages: BackupDir(host.LargeMessages, liveID),
	}
}

// BackupAcceptors derives the acceptors a hosted backup opens once promoted.
//
// SCALE_DOWN backups never listen. A colocated FULL backup in slot n (1-based)
// listens at hostPort + offset*n; a dedicated standby host reuses its own acceptor.
func BackupAcceptors(policy HAPolicy, strategy Strategy, host Acceptor, slot int) []Acceptor {
	if strategy == StrategyScaleDown {
		return nil
	}
	if !policy.Type.Colocated() {
		return []Acceptor{host}
	}
	return []Acceptor{{Host: host.Host, Port: host.Port + policy.BackupPortOffset*slot}}
}

// CheckStorage verifies the directory contract between a live and its backup
func CheckStorage(policy PolicyType, live, backup StoragePaths) error {
	liveDirs, backupDirs := live.Named(), backup.Named()

	for kind, l := range liveDirs {
		b := backupDirs[kind]
		same := filepath.Clean(l) == filepath.Clean(b)
		if policy.SharedStore() && !same {
			return fmt.Errorf("%w: %s %q vs %q", ErrSharedStoreMismatch, kind, l, b)
		}
		if !policy.SharedStore() {
			for otherKind, other := range liveDirs {
				if filepath.Clean(other) == filepath.Clean(b) {
					return fmt.Errorf("%w: backup %s and live %s both at %q", ErrDirectoryClash, kind, otherKind, b)
				}
			}
		}
	}
	return nil
}
