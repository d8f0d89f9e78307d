package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kaldb-io/kaldb/internal/blob"
	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
)

// SnapshotJanitor deletes snapshots past the configured lifespan. Blob
// data goes first and the record second, so a record never references
// missing data.
type SnapshotJanitor struct {
	snapshots metadata.Store[metadata.Snapshot]
	blob      blob.Store
	lifespan  time.Duration
	period    time.Duration
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// NewSnapshotJanitor creates the snapshot deletion service.
func NewSnapshotJanitor(snapshots metadata.Store[metadata.Snapshot], store blob.Store, lifespan, period time.Duration, clk clock.Clock, m *metrics.Metrics) *SnapshotJanitor {
	if clk == nil {
		clk = clock.New()
	}
	return &SnapshotJanitor{
		snapshots: snapshots,
		blob:      store,
		lifespan:  lifespan,
		period:    period,
		clock:     clk,
		metrics:   m,
		log:       slog.With("component", "snapshot-janitor"),
	}
}

// Run executes deletion sweeps until the context is cancelled.
func (j *SnapshotJanitor) Run(ctx context.Context) error {
	ticker := j.clock.Ticker(j.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := j.SweepOnce(ctx); err != nil {
				j.log.Warn("snapshot sweep failed", "error", err)
			} else if n > 0 {
				j.log.Info("snapshot sweep complete", "deleted", n)
			}
		}
	}
}

// SweepOnce deletes every expired snapshot and returns how many were
// removed.
func (j *SnapshotJanitor) SweepOnce(ctx context.Context) (int, error) {
	snaps, err := j.snapshots.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := j.clock.Now().Add(-j.lifespan).UnixMilli()
	deleted := 0
	for _, s := range snaps {
		if s.EndTimeEpochMs >= cutoff {
			continue
		}

		if err := j.blob.Delete(ctx, s.SnapshotPath); err != nil {
			j.log.Warn("chunk data delete failed", "snapshot", s.Name, "error", err)
			continue
		}
		if err := j.snapshots.Delete(ctx, s.Name); err != nil {
			j.log.Warn("snapshot record delete failed", "snapshot", s.Name, "error", err)
			continue
		}

		j.metrics.SnapshotsDeleted.Inc()
		j.log.Info("snapshot deleted", "snapshot", s.Name, "end_time_ms", s.EndTimeEpochMs)
		deleted++
	}
	return deleted, nil
}
