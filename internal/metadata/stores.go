package metadata

import (
	"context"
	"path"
	"sort"
)

// Fixed sub-paths per entity kind under the cluster prefix.
const (
	dirRecoveryTasks = "recoveryTasks"
	dirRecoveryNodes = "recoveryNodes"
	dirSnapshots     = "snapshots"
	dirDatasets      = "datasets"
)

// NewRecoveryTaskStore roots a task store at <prefix>/recoveryTasks.
func NewRecoveryTaskStore(backend Backend, prefix string) Store[RecoveryTask] {
	return NewStore[RecoveryTask](backend, path.Join(prefix, dirRecoveryTasks))
}

// NewRecoveryNodeStore roots a node store at <prefix>/recoveryNodes.
func NewRecoveryNodeStore(backend Backend, prefix string) Store[RecoveryNode] {
	return NewStore[RecoveryNode](backend, path.Join(prefix, dirRecoveryNodes))
}

// NewSnapshotStore roots a snapshot store at <prefix>/snapshots.
func NewSnapshotStore(backend Backend, prefix string) Store[Snapshot] {
	return NewStore[Snapshot](backend, path.Join(prefix, dirSnapshots))
}

// NewDatasetStore roots a dataset store at <prefix>/datasets.
func NewDatasetStore(backend Backend, prefix string) Store[DatasetPartition] {
	return NewStore[DatasetPartition](backend, path.Join(prefix, dirDatasets))
}

// SnapshotsForPartition returns the snapshots covering one partition,
// ordered by start time.
func SnapshotsForPartition(ctx context.Context, store Store[Snapshot], partitionID string) ([]Snapshot, error) {
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, s := range all {
		if s.PartitionID == partitionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTimeEpochMs < out[j].StartTimeEpochMs })
	return out, nil
}

// SnapshotsInTimeRange returns the snapshots whose windows overlap
// [startMs, endMs], ordered by start time.
func SnapshotsInTimeRange(ctx context.Context, store Store[Snapshot], startMs, endMs int64) ([]Snapshot, error) {
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, s := range all {
		if s.OverlapsTimeRange(startMs, endMs) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTimeEpochMs < out[j].StartTimeEpochMs })
	return out, nil
}

// MaxOffsetForPartition returns the highest MaxOffset among the
// partition's snapshots, or -1 when none exist.
func MaxOffsetForPartition(ctx context.Context, store Store[Snapshot], partitionID string) (int64, error) {
	snaps, err := SnapshotsForPartition(ctx, store, partitionID)
	if err != nil {
		return 0, err
	}
	max := int64(-1)
	for _, s := range snaps {
		if s.MaxOffset > max {
			max = s.MaxOffset
		}
	}
	return max, nil
}
