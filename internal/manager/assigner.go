// Package manager runs the cluster manager's periodic services:
// recovery-task assignment and snapshot deletion.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
)

// Assigner pairs unassigned recovery tasks with FREE recovery nodes,
// oldest task first. It reads from cached views but writes assignments
// through the authoritative store; an update race is logged and retried
// next cycle. Tasks are never deleted here: deletion is the worker's
// responsibility on success.
type Assigner struct {
	tasks   metadata.Store[metadata.RecoveryTask]
	nodes   metadata.Store[metadata.RecoveryNode]
	period  time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewAssigner creates the assignment service. A nil clk uses the wall
// clock; tests pass a mock.
func NewAssigner(tasks metadata.Store[metadata.RecoveryTask], nodes metadata.Store[metadata.RecoveryNode], period time.Duration, clk clock.Clock, m *metrics.Metrics) *Assigner {
	if clk == nil {
		clk = clock.New()
	}
	return &Assigner{
		tasks:   tasks,
		nodes:   nodes,
		period:  period,
		clock:   clk,
		metrics: m,
		log:     slog.With("component", "assigner"),
	}
}

// Run executes assignment cycles until the context is cancelled.
func (a *Assigner) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := a.AssignOnce(ctx); err != nil {
				a.log.Warn("assignment cycle failed", "error", err)
			} else if n > 0 {
				a.log.Info("assignment cycle complete", "assigned", n)
			}
		}
	}
}

// AssignOnce performs one assignment cycle and returns the number of
// assignments written.
func (a *Assigner) AssignOnce(ctx context.Context) (int, error) {
	tasks, err := a.tasks.List(ctx)
	if err != nil {
		return 0, err
	}
	nodes, err := a.nodes.List(ctx)
	if err != nil {
		return 0, err
	}

	// A task is assignable when no node, in any state, currently holds
	// its name.
	held := make(map[string]bool, len(nodes))
	var freeNodes []metadata.RecoveryNode
	for _, n := range nodes {
		if n.RecoveryTaskName != "" {
			held[n.RecoveryTaskName] = true
		}
		if n.State == metadata.RecoveryNodeFree {
			freeNodes = append(freeNodes, n)
		}
	}

	var assignable []metadata.RecoveryTask
	for _, t := range tasks {
		if !held[t.Name] {
			assignable = append(assignable, t)
		}
	}

	// Oldest task first; name breaks ties deterministically.
	sort.Slice(assignable, func(i, j int) bool {
		if assignable[i].CreatedAtMs != assignable[j].CreatedAtMs {
			return assignable[i].CreatedAtMs < assignable[j].CreatedAtMs
		}
		return assignable[i].Name < assignable[j].Name
	})
	sort.Slice(freeNodes, func(i, j int) bool { return freeNodes[i].Name < freeNodes[j].Name })

	assigned := 0
	for i, task := range assignable {
		if i >= len(freeNodes) {
			// The remainder waits for the next cycle.
			break
		}
		node := freeNodes[i]

		update := metadata.RecoveryNode{
			Name:             node.Name,
			State:            metadata.RecoveryNodeAssigned,
			RecoveryTaskName: task.Name,
			UpdatedAtMs:      a.clock.Now().UnixMilli(),
		}
		if err := a.nodes.Update(ctx, update); err != nil {
			// The node entry changed underneath us; retry next cycle.
			a.log.Warn("assignment write failed", "node", node.Name, "task", task.Name, "error", err)
			continue
		}

		a.metrics.RecoveryTasksAssigned.Inc()
		a.log.Info("task assigned", "node", node.Name, "task", task.Name)
		assigned++
	}

	if len(assignable) > len(freeNodes) {
		a.log.Info("tasks waiting for free nodes",
			"tasks", len(assignable),
			"free_nodes", len(freeNodes),
		)
	}
	return assigned, nil
}
