package journal

import (
	"errors"
	"path/filepath"
)

// LockFile is the lock file created in a guarded directory
const LockFile = "server.lock"

// ErrLocked is returned when another server holds the directory lock
var ErrLocked = errors.New("directory is locked by another server")

// DirLock is an exclusive lock on a storage directory. Only the active
// live server for an identity may hold the lock on shared-store directories.
type DirLock struct {
	path    string
	release func() error
}

// Path returns the lock file path
func (l *DirLock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}

// TryLock takes the exclusive lock on dir without blocking
func TryLock(dir string) (*DirLock, error) {
	return tryLock(filepath.Join(dir, LockFile))
}
