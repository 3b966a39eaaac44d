package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// IDBytes is the entropy of a session id. Ids are hex encoded.
const IDBytes = 16

var (
	ErrInvalidID  = errors.New("invalid session id")
	ErrNotFound   = errors.New("session not found")
	ErrAllocation = errors.New("session allocation failed")
)

// ID identifies one relay session. The zero value is not a valid id.
type ID string

// State is the lifecycle position of a session. It is derived from the
// session directory, never cached in memory.
type State int

const (
	StateCreated State = iota
	StateTransferring
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateTransferring:
		return "transferring"
	case StateDrained:
		return "drained"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Location is a resolved session: its id and the directory holding its chunks.
type Location struct {
	ID  ID
	Dir string
}

// Registry creates sessions and maps ids to directories below root.
// The directory itself is the record; there is no separate index.
type Registry struct {
	root string
}

// NewRegistry prepares root with private permissions.
func NewRegistry(root string) (*Registry, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}
	return &Registry{root: root}, nil
}

func (r *Registry) Root() string {
	return r.root
}

// NewID returns a fresh random session id.
func NewID() (ID, error) {
	b := make([]byte, IDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return ID(hex.EncodeToString(b)), nil
}

// Validate rejects ids that could not have been produced by NewID. Any
// character outside [A-Za-z0-9_] fails the whole id rather than being
// stripped, so two different inputs never resolve to the same directory.
func Validate(raw string) (ID, error) {
	if len(raw) != 2*IDBytes {
		return "", ErrInvalidID
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return "", ErrInvalidID
		}
	}
	return ID(raw), nil
}

// Create allocates an empty private directory for a new session. Mkdir
// fails on an existing path, so a colliding id never reuses storage.
func (r *Registry) Create() (Location, error) {
	id, err := NewID()
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	dir := filepath.Join(r.root, string(id))
	if err := os.Mkdir(dir, 0o700); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	return Location{ID: id, Dir: dir}, nil
}

// Resolve validates raw and returns the session's location. It performs no
// filesystem mutation.
func (r *Registry) Resolve(raw string) (Location, error) {
	id, err := Validate(raw)
	if err != nil {
		return Location{}, err
	}
	dir := filepath.Join(r.root, string(id))
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Location{}, ErrNotFound
		}
		return Location{}, fmt.Errorf("failed to stat session: %w", err)
	}
	if !info.IsDir() {
		return Location{}, ErrNotFound
	}
	return Location{ID: id, Dir: dir}, nil
}

// List returns every session directory currently present.
func (r *Registry) List() ([]Location, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []Location
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := Validate(e.Name())
		if err != nil {
			continue
		}
		out = append(out, Location{ID: id, Dir: filepath.Join(r.root, e.Name())})
	}
	return out, nil
}

// Remove deletes a session directory and everything in it.
func (r *Registry) Remove(loc Location) error {
	if err := os.RemoveAll(loc.Dir); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", loc.ID, err)
	}
	return nil
}
