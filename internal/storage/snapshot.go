package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/crypto/sha3"

	"konnect/internal/ledger"
)

// Snapshot represents a point-in-time capture of the ledger.
// Used for fast recovery instead of replaying the entire WAL.
type Snapshot struct {
	Seq      uint64       `json:"seq"` // Last committed sequence number
	TsUnix   int64        `json:"ts"`  // Snapshot creation timestamp (Unix seconds)
	Checksum string       `json:"checksum"`
	Ledger   ledger.Image `json:"ledger"`
}

// SnapshotManager handles saving and loading snapshots.
type SnapshotManager struct {
	dir string
}

// NewSnapshotManager creates a new snapshot manager.
// dir: directory to store snapshot files.
func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

// CreateSnapshot captures the committed state at seq.
func CreateSnapshot(seq uint64, state *ledger.State) (*Snapshot, error) {
	snap := &Snapshot{
		Seq:    seq,
		TsUnix: time.Now().Unix(),
		Ledger: state.Export(),
	}
	sum, err := checksum(snap.Ledger)
	if err != nil {
		return nil, err
	}
	snap.Checksum = sum
	return snap, nil
}

func checksum(img ledger.Image) (string, error) {
	data, err := json.Marshal(img)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ledger image: %w", err)
	}
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes a snapshot to disk. The file is written under a temporary
// name and renamed, so a crash never leaves a half-written snapshot.
func (sm *SnapshotManager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TsUnix)
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	slog.Info("Snapshot saved",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", path))

	return nil
}

type snapFile struct {
	path string
	seq  uint64
}

// list returns snapshot files, newest sequence first.
func (sm *SnapshotManager) list() ([]snapFile, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return nil, err
	}

	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var seq uint64
		var ts int64
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &seq, &ts); err != nil {
			continue // Not a snapshot file
		}
		if filepath.Ext(entry.Name()) != ".json" {
			continue // Leftover .tmp
		}
		files = append(files, snapFile{path: filepath.Join(sm.dir, entry.Name()), seq: seq})
	}

	slices.SortFunc(files, func(a, b snapFile) int {
		switch {
		case a.seq > b.seq:
			return -1
		case a.seq < b.seq:
			return 1
		}
		return 0
	})
	return files, nil
}

// LoadLatest loads the most recent snapshot from disk.
// Returns nil if no snapshot exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	files, err := sm.list()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No snapshots yet
		}
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	latest := files[0].path

	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	sum, err := checksum(snap.Ledger)
	if err != nil {
		return nil, err
	}
	if sum != snap.Checksum {
		return nil, fmt.Errorf("snapshot %s checksum mismatch", latest)
	}

	slog.Info("Snapshot loaded",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", latest))

	return &snap, nil
}

// Cleanup removes old snapshots, keeping only the latest N.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	files, err := sm.list()
	if err != nil {
		return err
	}
	if len(files) <= keepCount {
		return nil
	}

	for _, f := range files[keepCount:] {
		if err := os.Remove(f.path); err != nil {
			slog.Warn("Failed to remove old snapshot", slog.String("path", f.path), slog.Any("error", err))
		} else {
			slog.Info("Removed old snapshot", slog.String("path", f.path))
		}
	}

	return nil
}
