// Package metrics provides Prometheus metrics for KalDB nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-global counters shared by the indexing and
// recovery paths. Counter names are part of the operational contract and
// must not be renamed.
type Metrics struct {
	// Message ingestion
	MessagesReceived prometheus.Counter
	MessagesFailed   prometheus.Counter

	// Chunk roll-over lifecycle
	RolloversInitiated prometheus.Counter
	RolloversCompleted prometheus.Counter
	RolloversFailed    prometheus.Counter

	// Recovery node assignment lifecycle
	RecoveryNodeAssignmentReceived prometheus.Counter
	RecoveryNodeAssignmentSuccess  prometheus.Counter
	RecoveryNodeAssignmentFailed   prometheus.Counter

	// Manager services
	RecoveryTasksAssigned prometheus.Counter
	SnapshotsDeleted      prometheus.Counter
	RecoveryTasksCreated  prometheus.Counter

	registry *prometheus.Registry
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// New creates a metrics set registered against a fresh registry. Tests use
// this to get isolated counters; production code uses the instance held by
// the server.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kaldb"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		MessagesReceived:   counter("messages_received_total", "Messages successfully parsed and indexed"),
		MessagesFailed:     counter("messages_failed_total", "Messages that failed to parse"),
		RolloversInitiated: counter("rollovers_initiated_total", "Chunk uploads started"),
		RolloversCompleted: counter("rollovers_completed_total", "Chunk uploads completed and snapshots published"),
		RolloversFailed:    counter("rollovers_failed_total", "Chunk builds or uploads that failed"),

		RecoveryNodeAssignmentReceived: counter("recovery_node_assignment_received_total", "Task assignments observed by this recovery node"),
		RecoveryNodeAssignmentSuccess:  counter("recovery_node_assignment_success_total", "Recovery tasks completed successfully"),
		RecoveryNodeAssignmentFailed:   counter("recovery_node_assignment_failed_total", "Recovery tasks that failed"),

		RecoveryTasksAssigned: counter("recovery_tasks_assigned_total", "Task-to-node assignments written by the manager"),
		SnapshotsDeleted:      counter("snapshots_deleted_total", "Snapshots removed past their configured lifespan"),
		RecoveryTasksCreated:  counter("recovery_tasks_created_total", "Recovery tasks created by the lag detector"),

		registry: reg,
	}
}

// Handler returns an HTTP handler exposing this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
