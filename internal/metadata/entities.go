// Package metadata holds the cluster metadata entities and the typed
// facade over the coordination store that owns them.
package metadata

import (
	"fmt"
	"time"
)

// RecoveryNodeState is the lifecycle state of a recovery node entry.
type RecoveryNodeState string

const (
	RecoveryNodeFree       RecoveryNodeState = "FREE"
	RecoveryNodeAssigned   RecoveryNodeState = "ASSIGNED"
	RecoveryNodeRecovering RecoveryNodeState = "RECOVERING"
)

// RecoveryTask is a request to rebuild a specific offset range that an
// indexer failed to cover in real time. Tasks are immutable once written;
// the recovery worker deletes them after a successful run.
type RecoveryTask struct {
	Name        string `json:"name"`
	PartitionID string `json:"partitionId"`
	StartOffset int64  `json:"startOffset"`
	EndOffset   int64  `json:"endOffset"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// GetName implements Entity.
func (t RecoveryTask) GetName() string { return t.Name }

// Validate checks the task invariants.
func (t RecoveryTask) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("recovery task has no name")
	}
	if t.StartOffset > t.EndOffset {
		return fmt.Errorf("recovery task %s: startOffset %d > endOffset %d", t.Name, t.StartOffset, t.EndOffset)
	}
	return nil
}

// RecoveryNode is a worker's presence entry. Only the manager transitions
// FREE->ASSIGNED; only the owning node transitions ASSIGNED->RECOVERING->FREE.
type RecoveryNode struct {
	Name             string            `json:"name"`
	State            RecoveryNodeState `json:"recoveryNodeState"`
	RecoveryTaskName string            `json:"recoveryTaskName"`
	UpdatedAtMs      int64             `json:"updatedAtMs"`
}

// GetName implements Entity.
func (n RecoveryNode) GetName() string { return n.Name }

// Validate checks the node invariants.
func (n RecoveryNode) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("recovery node has no name")
	}
	switch n.State {
	case RecoveryNodeFree:
		if n.RecoveryTaskName != "" {
			return fmt.Errorf("recovery node %s: FREE with task %q", n.Name, n.RecoveryTaskName)
		}
	case RecoveryNodeAssigned, RecoveryNodeRecovering:
		if n.RecoveryTaskName == "" {
			return fmt.Errorf("recovery node %s: %s with no task", n.Name, n.State)
		}
	default:
		return fmt.Errorf("recovery node %s: unknown state %q", n.Name, n.State)
	}
	return nil
}

// Snapshot makes an uploaded chunk discoverable and queryable. Snapshots
// are immutable; the snapshot-deletion service prunes them past their
// lifespan.
type Snapshot struct {
	Name             string `json:"name"`
	SnapshotPath     string `json:"snapshotPath"`
	StartTimeEpochMs int64  `json:"startTimeEpochMs"`
	EndTimeEpochMs   int64  `json:"endTimeEpochMs"`
	MaxOffset        int64  `json:"maxOffset"`
	PartitionID      string `json:"partitionId"`
	SizeBytes        int64  `json:"sizeBytes"`
}

// GetName implements Entity.
func (s Snapshot) GetName() string { return s.Name }

// Validate checks the snapshot invariants.
func (s Snapshot) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("snapshot has no name")
	}
	if s.SnapshotPath == "" {
		return fmt.Errorf("snapshot %s has no path", s.Name)
	}
	if s.StartTimeEpochMs > s.EndTimeEpochMs {
		return fmt.Errorf("snapshot %s: startTime %d > endTime %d", s.Name, s.StartTimeEpochMs, s.EndTimeEpochMs)
	}
	return nil
}

// OverlapsTimeRange reports whether the snapshot's window intersects
// [startMs, endMs].
func (s Snapshot) OverlapsTimeRange(startMs, endMs int64) bool {
	return s.StartTimeEpochMs <= endMs && s.EndTimeEpochMs >= startMs
}

// DatasetPartition maps a dataset's time window to the partitions holding
// its data. The core only reads these; the query path uses them for
// routing.
type DatasetPartition struct {
	Name             string   `json:"name"`
	StartTimeEpochMs int64    `json:"startTimeEpochMs"`
	EndTimeEpochMs   int64    `json:"endTimeEpochMs"`
	PartitionIDs     []string `json:"partitionIds"`
}

// GetName implements Entity.
func (d DatasetPartition) GetName() string { return d.Name }

// NowMs returns the current wall clock in epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
