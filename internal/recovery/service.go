package recovery

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/kaldb-io/kaldb/internal/chunk"
	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
	"github.com/kaldb-io/kaldb/internal/upstream"
)

// Service executes recovery tasks end to end.
type Service struct {
	upstream upstream.LogReader
	builder  *chunk.Builder
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewService creates a recovery task executor.
func NewService(reader upstream.LogReader, builder *chunk.Builder, m *metrics.Metrics) *Service {
	return &Service{
		upstream: reader,
		builder:  builder,
		metrics:  m,
		log:      slog.With("component", "recovery"),
	}
}

// HandleRecoveryTask runs one task to completion. It returns true iff a
// snapshot was published. A false return means the task failed or was
// classified unrecoverable; the caller decides whether to keep or delete
// the task record. rollovers_failed is incremented exactly once on every
// failing path.
func (s *Service) HandleRecoveryTask(ctx context.Context, task metadata.RecoveryTask) bool {
	log := s.log.With(
		"task", task.Name,
		"partition_id", task.PartitionID,
		"start_offset", task.StartOffset,
		"end_offset", task.EndOffset,
	)

	partition, err := strconv.Atoi(task.PartitionID)
	if err != nil {
		log.Error("invalid partition id", "error", err)
		s.metrics.RolloversFailed.Inc()
		return false
	}

	earliest, err := s.upstream.EarliestOffset(ctx, partition)
	if err != nil {
		log.Error("earliest offset query failed", "error", err)
		s.metrics.RolloversFailed.Inc()
		return false
	}
	latest, err := s.upstream.LatestOffset(ctx, partition)
	if err != nil {
		log.Error("latest offset query failed", "error", err)
		s.metrics.RolloversFailed.Inc()
		return false
	}

	offsets := ValidateOffsets(earliest, latest, task.StartOffset, task.EndOffset)
	if offsets == nil {
		log.Warn("task range unrecoverable",
			"earliest", earliest,
			"latest", latest,
			"error", ErrOffsetOutOfRange,
		)
		s.metrics.RolloversFailed.Inc()
		return false
	}

	if offsets.StartOffset != task.StartOffset || offsets.EndOffset != task.EndOffset {
		log.Info("task range clamped to retained log",
			"clamped_start", offsets.StartOffset,
			"clamped_end", offsets.EndOffset,
		)
	}

	msgs, errs := s.upstream.Consume(ctx, partition, offsets.StartOffset, offsets.EndOffset)

	// The builder owns the failure counter from here on.
	snap, err := s.builder.Build(ctx, task.PartitionID, msgs, errs)
	if err != nil {
		log.Error("chunk build failed", "error", err)
		return false
	}

	log.Info("recovery task completed", "snapshot", snap.Name, "max_offset", snap.MaxOffset)
	return true
}
