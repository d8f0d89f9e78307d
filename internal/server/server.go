// Package server wires a node's role-specific components and runs them
// until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaldb-io/kaldb/internal/blob"
	"github.com/kaldb-io/kaldb/internal/chunk"
	"github.com/kaldb-io/kaldb/internal/config"
	"github.com/kaldb-io/kaldb/internal/indexer"
	"github.com/kaldb-io/kaldb/internal/manager"
	"github.com/kaldb-io/kaldb/internal/metadata"
	"github.com/kaldb-io/kaldb/internal/metrics"
	"github.com/kaldb-io/kaldb/internal/notify"
	"github.com/kaldb-io/kaldb/internal/recovery"
	"github.com/kaldb-io/kaldb/internal/upstream"
)

// Server runs one KalDB node in the role selected by configuration.
type Server struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a node server.
func New(cfg *config.Config, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		metrics: m,
		log:     slog.With("component", "server", "role", string(cfg.NodeRole)),
	}
}

// Run starts the HTTP surface and the role's services, and blocks until
// the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	backend, err := s.openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	s.startHTTP(ctx)

	switch s.cfg.NodeRole {
	case config.RoleRecovery:
		return s.runRecovery(ctx, backend)
	case config.RoleManager:
		return s.runManager(ctx, backend)
	case config.RoleIndex:
		return s.runIndex(ctx, backend)
	case config.RoleCache:
		return s.runCache(ctx, backend)
	case config.RoleQuery, config.RolePreprocessor:
		return s.runPassive(ctx, backend)
	default:
		return fmt.Errorf("%w: role %s has no runner", config.ErrInvalid, s.cfg.NodeRole)
	}
}

func (s *Server) openBackend() (metadata.Backend, error) {
	switch s.cfg.Metadata.Backend {
	case "memory":
		return metadata.NewMemoryBackend(), nil
	default:
		return metadata.NewZKBackend(s.cfg.Metadata)
	}
}

// startHTTP serves /healthz and the metrics endpoint. Both servers stop
// with the root context.
func (s *Server) startHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	health := &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.Server.Port), Handler: mux}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", s.metrics.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.Server.MetricsPort), Handler: metricsMux}

	for _, srv := range []*http.Server{health, metricsSrv} {
		srv := srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("http server stopped", "addr", srv.Addr, "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}
}

func (s *Server) runRecovery(ctx context.Context, backend metadata.Backend) error {
	store, err := blob.NewStore(s.cfg.Blob)
	if err != nil {
		return err
	}
	defer store.Close()

	transformer, err := chunk.NewLogTransformer()
	if err != nil {
		return err
	}
	defer transformer.Close()

	snapshots := metadata.NewSnapshotStore(backend, s.cfg.Metadata.PathPrefix)
	tasks := metadata.NewRecoveryTaskStore(backend, s.cfg.Metadata.PathPrefix)
	nodes := metadata.NewRecoveryNodeStore(backend, s.cfg.Metadata.PathPrefix)

	builder := chunk.NewBuilder(store, snapshots, transformer, nil, s.metrics, s.cfg.Recovery.ScratchDir)

	emitter := notify.NewEmitter(s.cfg.Notify)
	builder.OnPublish = func(snap metadata.Snapshot) {
		if err := emitter.SnapshotPublished(ctx, snap); err != nil {
			s.log.Warn("snapshot notification failed", "snapshot", snap.Name, "error", err)
		}
	}

	reader := upstream.NewKafkaReader(s.cfg.Upstream)
	defer reader.Close()

	service := recovery.NewService(reader, builder, s.metrics)
	node := recovery.NewNode(s.nodeName(), nodes, tasks, service, s.metrics)
	return node.Run(ctx)
}

func (s *Server) nodeName() string {
	if s.cfg.Recovery.NodeName != "" {
		return s.cfg.Recovery.NodeName
	}
	host, err := os.Hostname()
	if err != nil {
		host = "recovery"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (s *Server) runManager(ctx context.Context, backend metadata.Backend) error {
	store, err := blob.NewStore(s.cfg.Blob)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks := metadata.NewRecoveryTaskStore(backend, s.cfg.Metadata.PathPrefix)
	nodes := metadata.NewRecoveryNodeStore(backend, s.cfg.Metadata.PathPrefix)
	snapshots := metadata.NewSnapshotStore(backend, s.cfg.Metadata.PathPrefix)

	cachedTasks, err := metadata.NewCached(ctx, tasks)
	if err != nil {
		return err
	}
	defer cachedTasks.Close()
	cachedNodes, err := metadata.NewCached(ctx, nodes)
	if err != nil {
		return err
	}
	defer cachedNodes.Close()

	assigner := manager.NewAssigner(cachedTasks, cachedNodes, s.cfg.Manager.SchedulePeriod(), nil, s.metrics)
	janitor := manager.NewSnapshotJanitor(snapshots, store, s.cfg.Manager.SnapshotLifespan(), s.cfg.Manager.SnapshotSweepPeriod(), nil, s.metrics)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assigner.Run(ctx) }()
	go func() { defer wg.Done(); janitor.Run(ctx) }()
	wg.Wait()
	return nil
}

func (s *Server) runIndex(ctx context.Context, backend metadata.Backend) error {
	tasks := metadata.NewRecoveryTaskStore(backend, s.cfg.Metadata.PathPrefix)

	checkpoints, err := indexer.NewCheckpointStore(s.cfg.Indexer.CheckpointDir)
	if err != nil {
		return err
	}

	reader := upstream.NewKafkaReader(s.cfg.Upstream)
	defer reader.Close()

	detector := indexer.NewLagDetector(
		s.cfg.Indexer.Partition,
		s.cfg.Indexer.MaxOffsetDelayMessages,
		reader,
		tasks,
		checkpoints,
		s.cfg.Indexer.LagCheckPeriod(),
		nil,
		s.metrics,
	)
	return detector.Run(ctx)
}

// runCache keeps a local copy of every published chunk warm for serving.
func (s *Server) runCache(ctx context.Context, backend metadata.Backend) error {
	store, err := blob.NewStore(s.cfg.Blob)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots := metadata.NewSnapshotStore(backend, s.cfg.Metadata.PathPrefix)
	cacheDir := filepath.Join(s.cfg.Recovery.ScratchDir, "chunk-cache")

	var mu sync.Mutex
	warmed := make(map[string]bool)

	// Downloads run off the watch path so slow blob reads never delay
	// watch re-arming.
	cancel := snapshots.Watch(func(snaps []metadata.Snapshot) {
		for _, snap := range snaps {
			mu.Lock()
			started := warmed[snap.Name]
			if !started {
				warmed[snap.Name] = true
			}
			mu.Unlock()
			if started {
				continue
			}

			go func(snap metadata.Snapshot) {
				dir := filepath.Join(cacheDir, snap.Name)
				if err := os.MkdirAll(dir, 0o755); err != nil {
					s.log.Warn("cache dir create failed", "snapshot", snap.Name, "error", err)
					return
				}
				if err := store.CopyToLocal(ctx, snap.SnapshotPath, dir); err != nil {
					s.log.Warn("chunk download failed", "snapshot", snap.Name, "error", err)
					os.RemoveAll(dir)
					mu.Lock()
					delete(warmed, snap.Name)
					mu.Unlock()
					return
				}
				s.log.Info("chunk cached locally", "snapshot", snap.Name)
			}(snap)
		}
	})
	defer cancel()

	<-ctx.Done()
	return nil
}

// runPassive keeps cached metadata views fresh for roles whose serving
// surface lives outside the core.
func (s *Server) runPassive(ctx context.Context, backend metadata.Backend) error {
	snapshots := metadata.NewSnapshotStore(backend, s.cfg.Metadata.PathPrefix)
	datasets := metadata.NewDatasetStore(backend, s.cfg.Metadata.PathPrefix)

	cachedSnaps, err := metadata.NewCached(ctx, snapshots)
	if err != nil {
		return err
	}
	defer cachedSnaps.Close()

	cachedDatasets, err := metadata.NewCached(ctx, datasets)
	if err != nil {
		return err
	}
	defer cachedDatasets.Close()

	s.log.Info("node ready")
	<-ctx.Done()
	return nil
}
