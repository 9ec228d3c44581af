package cluster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// IdentityFile is the name of the file holding a node's identity inside its data directory.
const IdentityFile = "server.id"

// NodeID identifies a broker instance. A backup adopts the NodeID of the live it protects.
type NodeID string

// NewNodeID generates a fresh random identity
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// ParseNodeID validates s as a node identity
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return NodeID(u.String()), nil
}

func (id NodeID) String() string { return string(id) }

// Short returns the first block of the identity, for log lines
func (id NodeID) Short() string {
	if i := strings.IndexByte(string(id), '-'); i > 0 {
		return string(id[:i])
	}
	return string(id)
}

// LoadOrCreate reads the identity persisted in dataDir, creating and
// persisting a new one on first start. created reports whether a new
// identity was generated.
func LoadOrCreate(dataDir string) (id NodeID, created bool, err error) {
	path := filepath.Join(dataDir, IdentityFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := ParseNodeID(string(data))
		if err != nil {
			return "", false, fmt.Errorf("%w: %s: %v", ErrCorruptIdentity, path, err)
		}
		return id, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", false, fmt.Errorf("failed to read identity: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create data directory: %w", err)
	}

	id = NewNodeID()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", false, fmt.Errorf("failed to persist identity: %w", err)
	}

	return id, true, nil
}
