package chunk

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kaldb-io/kaldb/internal/blob"
	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
	"github.com/kaldb-io/kaldb/internal/upstream"
)

// Metadata is the <chunkId>.metadata record uploaded alongside the index
// segments. It describes the field schema and timestamp range of the
// chunk.
type Metadata struct {
	ChunkID          string    `json:"chunk_id"`
	PartitionID      string    `json:"partition_id"`
	StartOffset      int64     `json:"start_offset"`
	EndOffset        int64     `json:"end_offset"`
	StartTimeEpochMs int64     `json:"start_time_epoch_ms"`
	EndTimeEpochMs   int64     `json:"end_time_epoch_ms"`
	MessageCount     int64     `json:"message_count"`
	SchemaFields     []string  `json:"schema_fields"`
	CreatedAt        time.Time `json:"created_at"`
}

// Builder accepts a message stream, indexes it into a local chunk
// directory, uploads the chunk and publishes a snapshot record.
type Builder struct {
	blob        blob.Store
	snapshots   metadata.Store[metadata.Snapshot]
	transformer Transformer
	newIndexer  IndexerFactory
	metrics     *metrics.Metrics
	scratchDir  string
	log         *slog.Logger

	// OnPublish, when set, is invoked after a snapshot is published.
	// Failures inside the callback must not fail the build.
	OnPublish func(metadata.Snapshot)
}

// NewBuilder creates a chunk builder writing through the given blob store
// and snapshot registry.
func NewBuilder(store blob.Store, snapshots metadata.Store[metadata.Snapshot], transformer Transformer, factory IndexerFactory, m *metrics.Metrics, scratchDir string) *Builder {
	if factory == nil {
		factory = NewParquetIndexer
	}
	return &Builder{
		blob:        store,
		snapshots:   snapshots,
		transformer: transformer,
		newIndexer:  factory,
		metrics:     m,
		scratchDir:  scratchDir,
		log:         slog.With("component", "chunk"),
	}
}

// Build drains the message stream into a fresh chunk and publishes it.
// On any failure no snapshot is published, the local directory is
// deleted and the error propagates; rollovers_failed is incremented
// exactly once. Snapshot publication is the commit point: a partially
// uploaded chunk is never referenced by a published snapshot.
func (b *Builder) Build(ctx context.Context, partitionID string, msgs <-chan upstream.Message, errs <-chan error) (*metadata.Snapshot, error) {
	dir, err := os.MkdirTemp(b.scratchDir, "chunk-")
	if err != nil {
		b.metrics.RolloversFailed.Inc()
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snap, err := b.build(ctx, dir, partitionID, msgs, errs)
	if err != nil {
		b.metrics.RolloversFailed.Inc()
		return nil, err
	}
	return snap, nil
}

// buildStats accumulates the observed offset and time bounds.
type buildStats struct {
	count       int64
	firstOffset int64
	lastOffset  int64
	minTime     time.Time
	maxTime     time.Time
	fields      map[string]struct{}
}

func (s *buildStats) observe(doc Document) {
	if s.count == 0 {
		s.firstOffset = doc.Offset
		s.minTime = doc.Timestamp
		s.maxTime = doc.Timestamp
	}
	s.count++
	s.lastOffset = doc.Offset
	if doc.Timestamp.Before(s.minTime) {
		s.minTime = doc.Timestamp
	}
	if doc.Timestamp.After(s.maxTime) {
		s.maxTime = doc.Timestamp
	}
	for k := range doc.Fields {
		s.fields[k] = struct{}{}
	}
}

func (b *Builder) build(ctx context.Context, dir, partitionID string, msgs <-chan upstream.Message, errs <-chan error) (*metadata.Snapshot, error) {
	idx, err := b.newIndexer(dir)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	idxClosed := false
	defer func() {
		if !idxClosed {
			idx.Close()
		}
	}()

	stats := buildStats{fields: make(map[string]struct{})}

	for msgs != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("upstream stream: %w", err)
			}

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}

			doc, err := b.transformer.Transform(msg)
			if err != nil {
				b.metrics.MessagesFailed.Inc()
				b.log.Warn("message parse failed", "partition_id", partitionID, "offset", msg.Offset, "error", err)
				continue
			}

			b.metrics.MessagesReceived.Inc()
			if err := idx.Append(doc); err != nil {
				return nil, fmt.Errorf("index offset %d: %w", doc.Offset, err)
			}
			stats.observe(doc)
		}
	}

	if stats.count == 0 {
		return nil, fmt.Errorf("no messages indexed for partition %s", partitionID)
	}

	if err := idx.Commit(); err != nil {
		return nil, fmt.Errorf("commit index: %w", err)
	}
	idxClosed = true
	if err := idx.Close(); err != nil {
		return nil, fmt.Errorf("close index: %w", err)
	}

	chunkID := fmt.Sprintf("%s-%d-%d-%s", partitionID, stats.firstOffset, stats.lastOffset, uuid.NewString())
	log := b.log.With("chunk_id", chunkID, "partition_id", partitionID)

	if err := b.writeMetadataFile(dir, chunkID, partitionID, stats); err != nil {
		return nil, err
	}

	b.metrics.RolloversInitiated.Inc()

	uri := b.blob.URI(chunkID)
	if err := b.blob.Put(ctx, uri, dir); err != nil {
		return nil, fmt.Errorf("upload chunk: %w", err)
	}

	exists, err := b.blob.Exists(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("verify upload: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: uploaded chunk missing at %s", blob.ErrIO, uri)
	}

	snap := metadata.Snapshot{
		Name:             chunkID,
		SnapshotPath:     uri,
		StartTimeEpochMs: stats.minTime.UnixMilli(),
		EndTimeEpochMs:   stats.maxTime.UnixMilli(),
		MaxOffset:        stats.lastOffset,
		PartitionID:      partitionID,
		SizeBytes:        dirSize(dir),
	}
	if err := b.snapshots.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}

	b.metrics.RolloversCompleted.Inc()
	log.Info("chunk published",
		"messages", stats.count,
		"start_offset", stats.firstOffset,
		"end_offset", stats.lastOffset,
		"size_bytes", snap.SizeBytes,
	)

	if b.OnPublish != nil {
		b.OnPublish(snap)
	}
	return &snap, nil
}

func (b *Builder) writeMetadataFile(dir, chunkID, partitionID string, stats buildStats) error {
	fields := make([]string, 0, len(stats.fields))
	for k := range stats.fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	meta := Metadata{
		ChunkID:          chunkID,
		PartitionID:      partitionID,
		StartOffset:      stats.firstOffset,
		EndOffset:        stats.lastOffset,
		StartTimeEpochMs: stats.minTime.UnixMilli(),
		EndTimeEpochMs:   stats.maxTime.UnixMilli(),
		MessageCount:     stats.count,
		SchemaFields:     fields,
		CreatedAt:        time.Now().UTC(),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chunk metadata: %w", err)
	}
	path := filepath.Join(dir, chunkID+".metadata")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write chunk metadata: %w", err)
	}
	return nil
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
