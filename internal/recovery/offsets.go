// Package recovery executes recovery tasks: it validates the requested
// offset range against what the upstream log still retains, rebuilds the
// chunk and publishes a snapshot.
package recovery

import "errors"

// ErrOffsetOutOfRange classifies a task whose range is entirely outside
// the retained log. It is terminal for the task and never retried.
var ErrOffsetOutOfRange = errors.New("offset range out of range")

// PartitionOffsets is a validated, clamped offset range. Both bounds are
// inclusive.
type PartitionOffsets struct {
	StartOffset int64
	EndOffset   int64
}

// ValidateOffsets intersects the task range [taskStart, taskEnd] with the
// upstream's retained range [earliest, latest]. It is a pure total
// function; a nil result means the task is unrecoverable, either because
// the data aged out or because it has not been produced yet.
//
// Preconditions: earliest <= latest and taskStart <= taskEnd.
func ValidateOffsets(earliest, latest, taskStart, taskEnd int64) *PartitionOffsets {
	switch {
	case taskStart >= earliest && taskEnd <= latest:
		// Entirely inside the retained range.
		return &PartitionOffsets{StartOffset: taskStart, EndOffset: taskEnd}

	case taskStart < earliest && taskEnd >= earliest && taskEnd <= latest:
		// Overlaps the beginning: the head of the range aged out.
		return &PartitionOffsets{StartOffset: earliest, EndOffset: taskEnd}

	case taskStart >= earliest && taskStart <= latest && taskEnd > latest:
		// Overlaps the end: the tail has not been produced yet.
		return &PartitionOffsets{StartOffset: taskStart, EndOffset: latest}

	case taskEnd < earliest:
		// Entirely before: data aged out.
		return nil

	case taskStart > latest:
		// Entirely after: data not yet produced.
		return nil
	}
	return nil
}
