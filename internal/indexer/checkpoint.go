// Package indexer contains the indexing node's lag detection: when the
// node falls behind the upstream retention window it writes recovery
// tasks covering the missed range.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoCheckpoint is returned when no committed offset has been saved.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Checkpoint records the highest offset this indexer has durably indexed
// for one partition.
type Checkpoint struct {
	PartitionID     string    `json:"partition_id"`
	CommittedOffset int64     `json:"committed_offset"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CheckpointStore persists per-partition offset checkpoints to local
// files, written atomically via rename.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates the checkpoint directory if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &CheckpointStore{dir: dir}, nil
}

func (s *CheckpointStore) path(partitionID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_%s.json", partitionID))
}

// Load reads the checkpoint for a partition.
func (s *CheckpointStore) Load(partitionID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(partitionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Save persists the checkpoint atomically.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.path(cp.PartitionID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}
