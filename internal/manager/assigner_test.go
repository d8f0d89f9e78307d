package manager

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
)

type assignerHarness struct {
	tasks    metadata.Store[metadata.RecoveryTask]
	nodes    metadata.Store[metadata.RecoveryNode]
	assigner *Assigner
	metrics  *metrics.Metrics
	clock    *clock.Mock
}

func newAssignerHarness(t *testing.T) *assignerHarness {
	t.Helper()

	backend := metadata.NewMemoryBackend()
	tasks := metadata.NewRecoveryTaskStore(backend, "/kaldb")
	nodes := metadata.NewRecoveryNodeStore(backend, "/kaldb")
	m := metrics.New("kaldb_test")
	mock := clock.NewMock()

	return &assignerHarness{
		tasks:    tasks,
		nodes:    nodes,
		assigner: NewAssigner(tasks, nodes, time.Minute, mock, m),
		metrics:  m,
		clock:    mock,
	}
}

func (h *assignerHarness) addTask(t *testing.T, name string, createdAtMs int64) {
	t.Helper()
	err := h.tasks.Create(context.Background(), metadata.RecoveryTask{
		Name:        name,
		PartitionID: "0",
		StartOffset: 0,
		EndOffset:   100,
		CreatedAtMs: createdAtMs,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", name, err)
	}
}

func (h *assignerHarness) addNode(t *testing.T, name string, state metadata.RecoveryNodeState, taskName string) {
	t.Helper()
	err := h.nodes.Create(context.Background(), metadata.RecoveryNode{
		Name:             name,
		State:            state,
		RecoveryTaskName: taskName,
		UpdatedAtMs:      0,
	})
	if err != nil {
		t.Fatalf("create node %s: %v", name, err)
	}
}

func TestAssignOnce_PairsTaskWithFreeNode(t *testing.T) {
	h := newAssignerHarness(t)
	h.addTask(t, "task-1", 100)
	h.addNode(t, "node-1", metadata.RecoveryNodeFree, "")

	n, err := h.assigner.AssignOnce(context.Background())
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if n != 1 {
		t.Fatalf("assigned = %d, want 1", n)
	}

	node, err := h.nodes.Get(context.Background(), "node-1")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.State != metadata.RecoveryNodeAssigned {
		t.Errorf("node state = %s, want ASSIGNED", node.State)
	}
	if node.RecoveryTaskName != "task-1" {
		t.Errorf("node task = %q, want task-1", node.RecoveryTaskName)
	}

	// The task itself is untouched; only the worker deletes tasks.
	if _, err := h.tasks.Get(context.Background(), "task-1"); err != nil {
		t.Errorf("task should remain after assignment: %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.RecoveryTasksAssigned); got != 1 {
		t.Errorf("recovery_tasks_assigned = %v, want 1", got)
	}
}

func TestAssignOnce_OldestTaskFirst(t *testing.T) {
	h := newAssignerHarness(t)
	h.addTask(t, "newer", 200)
	h.addTask(t, "older", 100)
	h.addNode(t, "node-1", metadata.RecoveryNodeFree, "")

	if _, err := h.assigner.AssignOnce(context.Background()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	node, _ := h.nodes.Get(context.Background(), "node-1")
	if node.RecoveryTaskName != "older" {
		t.Errorf("assigned %q, want the older task first", node.RecoveryTaskName)
	}
}

func TestAssignOnce_SkipsHeldTasks(t *testing.T) {
	h := newAssignerHarness(t)
	h.addTask(t, "task-1", 100)
	h.addNode(t, "busy", metadata.RecoveryNodeRecovering, "task-1")
	h.addNode(t, "idle", metadata.RecoveryNodeFree, "")

	n, err := h.assigner.AssignOnce(context.Background())
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if n != 0 {
		t.Fatalf("assigned = %d, want 0 (task already held)", n)
	}

	idle, _ := h.nodes.Get(context.Background(), "idle")
	if idle.State != metadata.RecoveryNodeFree {
		t.Errorf("idle node should stay FREE, got %s", idle.State)
	}
}

func TestAssignOnce_MoreTasksThanNodes(t *testing.T) {
	h := newAssignerHarness(t)
	h.addTask(t, "task-1", 100)
	h.addTask(t, "task-2", 200)
	h.addTask(t, "task-3", 300)
	h.addNode(t, "node-1", metadata.RecoveryNodeFree, "")

	n, err := h.assigner.AssignOnce(context.Background())
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if n != 1 {
		t.Fatalf("assigned = %d, want 1; the rest wait", n)
	}
}

func TestAssignOnce_OneTaskPerNode(t *testing.T) {
	h := newAssignerHarness(t)
	h.addTask(t, "task-1", 100)
	h.addTask(t, "task-2", 200)
	h.addNode(t, "node-1", metadata.RecoveryNodeFree, "")
	h.addNode(t, "node-2", metadata.RecoveryNodeFree, "")

	n, err := h.assigner.AssignOnce(context.Background())
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if n != 2 {
		t.Fatalf("assigned = %d, want 2", n)
	}

	n1, _ := h.nodes.Get(context.Background(), "node-1")
	n2, _ := h.nodes.Get(context.Background(), "node-2")
	if n1.RecoveryTaskName == n2.RecoveryTaskName {
		t.Errorf("both nodes got %q; assignments must be 1:1", n1.RecoveryTaskName)
	}
}

func TestRun_AssignsOnSchedule(t *testing.T) {
	h := newAssignerHarness(t)
	h.addTask(t, "task-1", 100)
	h.addNode(t, "node-1", metadata.RecoveryNodeFree, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.assigner.Run(ctx)
	}()

	// Let the goroutine arm the ticker before advancing the clock.
	time.Sleep(20 * time.Millisecond)
	h.clock.Add(time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		node, _ := h.nodes.Get(context.Background(), "node-1")
		if node.State == metadata.RecoveryNodeAssigned {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	node, _ := h.nodes.Get(context.Background(), "node-1")
	if node.State != metadata.RecoveryNodeAssigned {
		t.Errorf("node not assigned after a scheduled cycle: %+v", node)
	}

	cancel()
	<-done
}
