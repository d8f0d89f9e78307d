package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kaldb-io/kaldb/internal/logging"
	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
)

// Node is the recovery worker's state machine. It registers itself FREE,
// watches its own metadata entry, and executes one task at a time:
//
//	FREE -> ASSIGNED (manager) -> RECOVERING (node) -> FREE (node)
//
// The watch callback never does recovery work. It posts the assignment
// into a single-slot mailbox; a dedicated worker goroutine owns the
// state machine. While the node is not FREE the manager generates no new
// assignments, so the mailbox cannot overflow in steady state; a stale
// duplicate event is dropped and logged.
type Node struct {
	name    string
	nodes   metadata.Store[metadata.RecoveryNode]
	tasks   metadata.Store[metadata.RecoveryTask]
	service *Service
	metrics *metrics.Metrics
	log     *slog.Logger

	mailbox chan string // task names, capacity 1
}

// NewNode creates a recovery node state machine.
func NewNode(name string, nodes metadata.Store[metadata.RecoveryNode], tasks metadata.Store[metadata.RecoveryTask], service *Service, m *metrics.Metrics) *Node {
	return &Node{
		name:    name,
		nodes:   nodes,
		tasks:   tasks,
		service: service,
		metrics: m,
		log:     logging.NodeLogger(name),
		mailbox: make(chan string, 1),
	}
}

// Run registers the node and processes assignments until the context is
// cancelled. On shutdown any in-flight task is abandoned (its record is
// left behind for reassignment) and the node entry is removed.
func (n *Node) Run(ctx context.Context) error {
	if err := n.register(ctx); err != nil {
		return err
	}
	defer n.deregister()

	cancelWatch := n.nodes.Watch(n.onNodesChanged)
	defer cancelWatch()

	n.log.Info("recovery node started")

	for {
		select {
		case <-ctx.Done():
			n.log.Info("recovery node stopping")
			return nil
		case taskName := <-n.mailbox:
			n.execute(ctx, taskName)
		}
	}
}

// register writes the node's FREE entry. A leftover entry from a prior
// session with the same name is overwritten.
func (n *Node) register(ctx context.Context) error {
	entry := metadata.RecoveryNode{
		Name:        n.name,
		State:       metadata.RecoveryNodeFree,
		UpdatedAtMs: metadata.NowMs(),
	}
	err := n.nodes.Create(ctx, entry)
	if errors.Is(err, metadata.ErrAlreadyExists) {
		n.log.Warn("stale node entry found, overwriting")
		err = n.nodes.Update(ctx, entry)
	}
	if err != nil {
		return fmt.Errorf("register recovery node %s: %w", n.name, err)
	}
	return nil
}

func (n *Node) deregister() {
	if err := n.nodes.Delete(context.Background(), n.name); err != nil {
		n.log.Warn("deregister failed", "error", err)
	}
}

// onNodesChanged runs on the watch path. It only inspects the node's own
// entry and posts to the mailbox.
func (n *Node) onNodesChanged(all []metadata.RecoveryNode) {
	for _, entry := range all {
		if entry.Name != n.name {
			continue
		}
		if entry.State != metadata.RecoveryNodeAssigned || entry.RecoveryTaskName == "" {
			return
		}
		select {
		case n.mailbox <- entry.RecoveryTaskName:
		default:
			n.log.Info("assignment event ignored while busy", "task", entry.RecoveryTaskName)
		}
		return
	}
}

// execute runs one assignment. The node always returns to FREE: the
// update runs deferred on every exit path, including panics in the task
// body.
func (n *Node) execute(ctx context.Context, taskName string) {
	// A duplicate event queued while an earlier run was in progress is
	// stale once the entry no longer shows this assignment.
	entry, err := n.nodes.Get(ctx, n.name)
	if err != nil || entry.State != metadata.RecoveryNodeAssigned || entry.RecoveryTaskName != taskName {
		n.log.Info("stale assignment event dropped", "task", taskName)
		return
	}

	n.metrics.RecoveryNodeAssignmentReceived.Inc()
	log := n.log.With("task", taskName)

	succeeded := false
	defer func() {
		n.setState(metadata.RecoveryNodeFree, "")
		if succeeded {
			n.metrics.RecoveryNodeAssignmentSuccess.Inc()
		} else {
			n.metrics.RecoveryNodeAssignmentFailed.Inc()
		}
	}()

	if err := n.setState(metadata.RecoveryNodeRecovering, taskName); err != nil {
		log.Error("failed to mark node recovering", "error", err)
		return
	}

	task, err := n.tasks.Get(ctx, taskName)
	if err != nil {
		// The task record is gone; nothing to run and nothing to delete.
		log.Error("assigned task not found", "error", err)
		return
	}

	if !n.service.HandleRecoveryTask(ctx, task) {
		// The task record is left in place for later reassignment.
		log.Warn("recovery task failed, leaving task for reassignment")
		return
	}

	if err := n.tasks.Delete(ctx, taskName); err != nil {
		log.Error("completed task could not be deleted", "error", err)
		return
	}

	succeeded = true
	log.Info("recovery task done")
}

func (n *Node) setState(state metadata.RecoveryNodeState, taskName string) error {
	entry := metadata.RecoveryNode{
		Name:             n.name,
		State:            state,
		RecoveryTaskName: taskName,
		UpdatedAtMs:      metadata.NowMs(),
	}
	// Shutdown must still be able to write FREE, so this does not use the
	// run context.
	if err := n.nodes.Update(context.Background(), entry); err != nil {
		return fmt.Errorf("update node %s to %s: %w", n.name, state, err)
	}
	return nil
}
