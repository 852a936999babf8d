package nic

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"firestige.xyz/ramrod/internal/sp"
)

// Store persists the filter configuration of a function so that it can be
// replayed after a restart. Implementations must be safe for concurrent use.
type Store interface {
	// Save overwrites the snapshot of s.FuncID.
	Save(s Snapshot) error
	// Load returns os.ErrNotExist (via errors.Is) when nothing was saved.
	Load(funcID int) (Snapshot, error)
	// Delete is idempotent.
	Delete(funcID int) error
}

// Snapshot is the on-disk format of a function's filters.
type Snapshot struct {
	Version string          `json:"version"`
	FuncID  int             `json:"func_id"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []SnapshotEntry `json:"entries,omitempty"`
	Mcast   []sp.MAC        `json:"mcast,omitempty"`
	RxMode  string          `json:"rx_mode,omitempty"`
}

// SnapshotEntry is one classification registry entry.
type SnapshotEntry struct {
	Queue int             `json:"queue"`
	Kind  string          `json:"kind"`
	Key   sp.Key          `json:"key"`
	Class string          `json:"class"`
	Flags sp.VlanMacFlags `json:"flags,omitempty"`
}

const snapshotVersion = "v1"

// FileStore keeps one JSON file per function under a directory. Writes use
// a temp file and an atomic rename.
type FileStore struct {
	dir string
}

// NewFileStore creates dir (including parents) if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot store: create directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(snap Snapshot) error {
	if snap.Version == "" {
		snap.Version = snapshotVersion
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot store: marshal func %d: %w", snap.FuncID, err)
	}

	tmpFile, err := os.CreateTemp(s.dir, fmt.Sprintf(".func-%d.*.tmp", snap.FuncID))
	if err != nil {
		return fmt.Errorf("snapshot store: create temp file for func %d: %w", snap.FuncID, err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("snapshot store: write temp file for func %d: %w", snap.FuncID, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("snapshot store: close temp file for func %d: %w", snap.FuncID, err)
	}

	final := s.path(snap.FuncID)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("snapshot store: rename temp -> %q: %w", final, err)
	}
	slog.Debug("filter snapshot persisted", "func_id", snap.FuncID, "entries", len(snap.Entries), "mcast", len(snap.Mcast))
	return nil
}

func (s *FileStore) Load(funcID int) (Snapshot, error) {
	data, err := os.ReadFile(s.path(funcID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("snapshot store: func %d not found: %w", funcID, os.ErrNotExist)
		}
		return Snapshot{}, fmt.Errorf("snapshot store: read func %d: %w", funcID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot store: unmarshal func %d: %w", funcID, err)
	}
	if snap.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("snapshot store: func %d has unsupported version %q", funcID, snap.Version)
	}
	return snap, nil
}

func (s *FileStore) Delete(funcID int) error {
	err := os.Remove(s.path(funcID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot store: delete func %d: %w", funcID, err)
	}
	return nil
}

func (s *FileStore) path(funcID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("func-%d.json", funcID))
}

// noopStore is used when persistence is disabled.
type noopStore struct{}

func (noopStore) Save(Snapshot) error        { return nil }
func (noopStore) Load(int) (Snapshot, error) { return Snapshot{}, os.ErrNotExist }
func (noopStore) Delete(int) error           { return nil }

var _ Store = noopStore{}
