package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
	"github.com/kaldb-io/kaldb/internal/upstream"
)

type lagHarness struct {
	log         *upstream.MemLog
	tasks       metadata.Store[metadata.RecoveryTask]
	checkpoints *CheckpointStore
	detector    *LagDetector
	metrics     *metrics.Metrics
}

func newLagHarness(t *testing.T, maxDelay int64) *lagHarness {
	t.Helper()

	memLog := upstream.NewMemLog()
	backend := metadata.NewMemoryBackend()
	tasks := metadata.NewRecoveryTaskStore(backend, "/kaldb")

	checkpoints, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}

	m := metrics.New("kaldb_test")
	detector := NewLagDetector(0, maxDelay, memLog, tasks, checkpoints, time.Minute, clock.NewMock(), m)

	return &lagHarness{
		log:         memLog,
		tasks:       tasks,
		checkpoints: checkpoints,
		detector:    detector,
		metrics:     m,
	}
}

func produce(log *upstream.MemLog, startOffset int64, count int) {
	msgs := make([]upstream.Message, 0, count)
	for i := 0; i < count; i++ {
		msgs = append(msgs, upstream.Message{
			Offset: startOffset + int64(i),
			Value:  []byte(fmt.Sprintf(`{"message": "event %d"}`, i)),
		})
	}
	log.Produce(0, msgs...)
}

func TestCheckOnce_NoLagNoTask(t *testing.T) {
	h := newLagHarness(t, 100)
	produce(h.log, 0, 50)

	if err := h.checkpoints.Save(&Checkpoint{PartitionID: "0", CommittedOffset: 40}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if err := h.detector.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	tasks, _ := h.tasks.List(context.Background())
	if len(tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(tasks))
	}
}

func TestCheckOnce_LagCreatesTask(t *testing.T) {
	h := newLagHarness(t, 100)
	produce(h.log, 0, 500) // head at offset 499

	if err := h.checkpoints.Save(&Checkpoint{PartitionID: "0", CommittedOffset: 10}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if err := h.detector.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	tasks, _ := h.tasks.List(context.Background())
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}

	task := tasks[0]
	if task.StartOffset != 11 {
		t.Errorf("task start = %d, want 11 (committed+1)", task.StartOffset)
	}
	if task.EndOffset != 499 {
		t.Errorf("task end = %d, want 499 (head)", task.EndOffset)
	}
	if task.PartitionID != "0" {
		t.Errorf("task partition = %q", task.PartitionID)
	}

	// The checkpoint skips past the handed-off range.
	cp, err := h.checkpoints.Load("0")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.CommittedOffset != 499 {
		t.Errorf("checkpoint = %d, want 499", cp.CommittedOffset)
	}

	if got := testutil.ToFloat64(h.metrics.RecoveryTasksCreated); got != 1 {
		t.Errorf("recovery_tasks_created = %v, want 1", got)
	}

	// A second check at the same head creates nothing new.
	if err := h.detector.CheckOnce(context.Background()); err != nil {
		t.Fatalf("second check: %v", err)
	}
	tasks, _ = h.tasks.List(context.Background())
	if len(tasks) != 1 {
		t.Errorf("second check created another task: %d", len(tasks))
	}
}

func TestCheckOnce_FreshIndexerStartsAtTail(t *testing.T) {
	h := newLagHarness(t, 100)
	produce(h.log, 1000, 50) // retained range 1000..1049

	if err := h.detector.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	// Nothing below the retained tail was ever this indexer's
	// responsibility; with lag 50 <= 100 no task is created.
	tasks, _ := h.tasks.List(context.Background())
	if len(tasks) != 0 {
		t.Errorf("expected no tasks for fresh indexer, got %d", len(tasks))
	}
}

func TestCheckpointStore_RoundTrip(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := store.Load("0"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("empty load: got %v, want ErrNoCheckpoint", err)
	}

	cp := &Checkpoint{PartitionID: "0", CommittedOffset: 123, UpdatedAt: time.Now().UTC()}
	if err := store.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load("0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.CommittedOffset != 123 {
		t.Errorf("loaded offset = %d, want 123", got.CommittedOffset)
	}
}
