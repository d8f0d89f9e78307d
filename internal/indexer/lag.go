package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
	"github.com/kaldb-io/kaldb/internal/upstream"
)

// LagDetector watches the gap between the indexer's committed offset and
// the upstream head. Once the gap exceeds maxOffsetDelay it hands the
// missed range to the recovery subsystem as a RecoveryTask and advances
// the checkpoint past it, so live indexing resumes at the head.
type LagDetector struct {
	partition      int
	maxOffsetDelay int64
	upstream       upstream.LogReader
	tasks          metadata.Store[metadata.RecoveryTask]
	checkpoints    *CheckpointStore
	period         time.Duration
	clock          clock.Clock
	metrics        *metrics.Metrics
	log            *slog.Logger
}

// NewLagDetector creates the lag detection service for one partition.
func NewLagDetector(partition int, maxOffsetDelay int64, reader upstream.LogReader, tasks metadata.Store[metadata.RecoveryTask], checkpoints *CheckpointStore, period time.Duration, clk clock.Clock, m *metrics.Metrics) *LagDetector {
	if clk == nil {
		clk = clock.New()
	}
	return &LagDetector{
		partition:      partition,
		maxOffsetDelay: maxOffsetDelay,
		upstream:       reader,
		tasks:          tasks,
		checkpoints:    checkpoints,
		period:         period,
		clock:          clk,
		metrics:        m,
		log:            slog.With("component", "lag-detector", "partition", partition),
	}
}

// Run executes lag checks until the context is cancelled.
func (d *LagDetector) Run(ctx context.Context) error {
	ticker := d.clock.Ticker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.CheckOnce(ctx); err != nil {
				d.log.Warn("lag check failed", "error", err)
			}
		}
	}
}

// CheckOnce performs one lag check and creates at most one recovery task.
func (d *LagDetector) CheckOnce(ctx context.Context) error {
	partitionID := strconv.Itoa(d.partition)

	latest, err := d.upstream.LatestOffset(ctx, d.partition)
	if err != nil {
		return err
	}

	committed := int64(-1)
	cp, err := d.checkpoints.Load(partitionID)
	switch {
	case errors.Is(err, ErrNoCheckpoint):
		// A fresh indexer starts at the retained tail; no recovery
		// needed for offsets that were never its responsibility.
		earliest, err := d.upstream.EarliestOffset(ctx, d.partition)
		if err != nil {
			return err
		}
		committed = earliest - 1
	case err != nil:
		return err
	default:
		committed = cp.CommittedOffset
	}

	delay := latest - committed
	if delay <= d.maxOffsetDelay {
		return nil
	}

	start := committed + 1
	end := latest
	task := metadata.RecoveryTask{
		Name:        fmt.Sprintf("%s-%d-%d-%s", partitionID, start, end, uuid.NewString()),
		PartitionID: partitionID,
		StartOffset: start,
		EndOffset:   end,
		CreatedAtMs: d.clock.Now().UnixMilli(),
	}
	if err := task.Validate(); err != nil {
		return err
	}

	if err := d.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("create recovery task: %w", err)
	}
	d.metrics.RecoveryTasksCreated.Inc()
	d.log.Warn("fell behind upstream, recovery task created",
		"task", task.Name,
		"delay", delay,
		"start_offset", start,
		"end_offset", end,
	)

	// Skip past the handed-off range so live indexing resumes at the
	// head instead of re-reading what recovery will cover.
	return d.checkpoints.Save(&Checkpoint{
		PartitionID:     partitionID,
		CommittedOffset: end,
		UpdatedAt:       d.clock.Now().UTC(),
	})
}
