package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
)

var (
	// ErrStore wraps coordination store failures. Watchers re-establish;
	// mid-operation failures abort the current task.
	ErrStore = errors.New("metadata store error")

	// ErrAlreadyExists is returned by Create on a name collision.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrNotFound is returned when an entity is absent.
	ErrNotFound = errors.New("entity not found")
)

// Entity is anything stored under a metadata directory by name.
type Entity interface {
	GetName() string
}

// Store is the typed facade over one entity directory in the coordination
// store.
type Store[T Entity] interface {
	// Create writes a new entity. It is atomic and fails with
	// ErrAlreadyExists on a name collision.
	Create(ctx context.Context, e T) error

	// Update overwrites an existing entity, last writer wins.
	Update(ctx context.Context, e T) error

	// Delete removes an entity by name.
	Delete(ctx context.Context, name string) error

	// Get reads one entity by name.
	Get(ctx context.Context, name string) (T, error)

	// List reads all entities in the directory.
	List(ctx context.Context) ([]T, error)

	// Watch registers a listener invoked with the full directory contents
	// after every observed change. The returned func cancels the watch.
	Watch(listener func([]T)) (cancel func())
}

// Backend is the byte-level hierarchical store underneath the typed
// facade. Paths are slash-separated and rooted at the cluster prefix.
type Backend interface {
	Create(ctx context.Context, p string, data []byte) error
	Set(ctx context.Context, p string, data []byte) error
	Delete(ctx context.Context, p string) error
	Get(ctx context.Context, p string) ([]byte, error)
	List(ctx context.Context, dir string) (map[string][]byte, error)

	// Watch invokes notify after any change under dir. Watches survive
	// session loss: the backend re-establishes them and fires notify once
	// after a resync.
	Watch(dir string, notify func()) (cancel func())

	Close() error
}

// typedStore adapts a Backend directory to a Store[T] with JSON-encoded
// records.
type typedStore[T Entity] struct {
	backend Backend
	dir     string
	log     *slog.Logger
}

// NewStore creates a typed store for one entity directory.
func NewStore[T Entity](backend Backend, dir string) Store[T] {
	return &typedStore[T]{
		backend: backend,
		dir:     dir,
		log:     slog.With("component", "metadata", "dir", dir),
	}
}

func (s *typedStore[T]) entityPath(name string) string {
	return path.Join(s.dir, name)
}

func (s *typedStore[T]) encode(e T) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrStore, e.GetName(), err)
	}
	return data, nil
}

func (s *typedStore[T]) decode(data []byte) (T, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("%w: decode: %v", ErrStore, err)
	}
	return e, nil
}

func (s *typedStore[T]) Create(ctx context.Context, e T) error {
	if e.GetName() == "" {
		return fmt.Errorf("%w: entity has no name", ErrStore)
	}
	data, err := s.encode(e)
	if err != nil {
		return err
	}
	return s.backend.Create(ctx, s.entityPath(e.GetName()), data)
}

func (s *typedStore[T]) Update(ctx context.Context, e T) error {
	data, err := s.encode(e)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, s.entityPath(e.GetName()), data)
}

func (s *typedStore[T]) Delete(ctx context.Context, name string) error {
	return s.backend.Delete(ctx, s.entityPath(name))
}

func (s *typedStore[T]) Get(ctx context.Context, name string) (T, error) {
	data, err := s.backend.Get(ctx, s.entityPath(name))
	if err != nil {
		var zero T
		return zero, err
	}
	return s.decode(data)
}

func (s *typedStore[T]) List(ctx context.Context) ([]T, error) {
	raw, err := s.backend.List(ctx, s.dir)
	if err != nil {
		return nil, err
	}

	entities := make([]T, 0, len(raw))
	for name, data := range raw {
		e, err := s.decode(data)
		if err != nil {
			s.log.Warn("skipping undecodable entry", "name", name, "error", err)
			continue
		}
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].GetName() < entities[j].GetName()
	})
	return entities, nil
}

func (s *typedStore[T]) Watch(listener func([]T)) (cancel func()) {
	return s.backend.Watch(s.dir, func() {
		entities, err := s.List(context.Background())
		if err != nil {
			s.log.Warn("watch refresh failed", "error", err)
			return
		}
		listener(entities)
	})
}
