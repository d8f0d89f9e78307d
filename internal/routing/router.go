// Package routing resolves dataset time ranges to the partitions holding
// their data. The query path uses it to pick which snapshots to search.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kaldb-io/kaldb/internal/metadata"
)

// ErrNoMatchingPartition is returned when a time range has no configured
// partitions.
var ErrNoMatchingPartition = errors.New("no matching partitions for time range")

// ErrOverlappingWindows is returned when two dataset windows overlap.
var ErrOverlappingWindows = errors.New("dataset partition windows overlap")

// Router routes time ranges to partition ids from DatasetPartition
// metadata. Windows are sorted by start time and must not overlap.
type Router struct {
	windows []metadata.DatasetPartition
}

// NewRouter validates and indexes the dataset partition windows.
func NewRouter(windows []metadata.DatasetPartition) (*Router, error) {
	if len(windows) == 0 {
		return nil, errors.New("at least one dataset partition window is required")
	}

	sorted := make([]metadata.DatasetPartition, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartTimeEpochMs < sorted[j].StartTimeEpochMs
	})

	for i := 0; i < len(sorted)-1; i++ {
		current, next := sorted[i], sorted[i+1]
		// EndTimeEpochMs == 0 means unbounded (the live window).
		if current.EndTimeEpochMs == 0 || next.StartTimeEpochMs <= current.EndTimeEpochMs {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingWindows, current.Name, next.Name)
		}
	}

	return &Router{windows: sorted}, nil
}

// contains reports whether tsMs falls inside the window.
func contains(w metadata.DatasetPartition, tsMs int64) bool {
	if tsMs < w.StartTimeEpochMs {
		return false
	}
	if w.EndTimeEpochMs == 0 {
		return true
	}
	return tsMs <= w.EndTimeEpochMs
}

// overlaps reports whether the window intersects [startMs, endMs].
func overlaps(w metadata.DatasetPartition, startMs, endMs int64) bool {
	if w.EndTimeEpochMs == 0 {
		return endMs >= w.StartTimeEpochMs
	}
	return w.StartTimeEpochMs <= endMs && w.EndTimeEpochMs >= startMs
}

// PartitionsAt returns the partition ids for a single instant.
func (r *Router) PartitionsAt(tsMs int64) ([]string, error) {
	for _, w := range r.windows {
		if contains(w, tsMs) {
			return w.PartitionIDs, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrNoMatchingPartition, tsMs)
}

// PartitionsInRange returns the deduplicated partition ids covering
// [startMs, endMs], in first-seen order.
func (r *Router) PartitionsInRange(startMs, endMs int64) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, w := range r.windows {
		if !overlaps(w, startMs, endMs) {
			continue
		}
		for _, p := range w.PartitionIDs {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrNoMatchingPartition, startMs, endMs)
	}
	return out, nil
}
