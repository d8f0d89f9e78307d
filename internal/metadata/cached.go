package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Cached wraps a Store with a local snapshot refreshed by watches. List
// and Get read the snapshot; writes pass through to the authoritative
// store. The snapshot may lag the store, so writers that depend on
// freshness (the manager's assignment updates) must treat update races
// as retry-next-cycle signals.
type Cached[T Entity] struct {
	store Store[T]

	mu        sync.Mutex
	byName    map[string]T
	listeners map[int]func([]T)
	nextID    int

	cancelWatch func()
}

// NewCached builds the initial snapshot synchronously and then keeps it
// fresh from watch events.
func NewCached[T Entity](ctx context.Context, store Store[T]) (*Cached[T], error) {
	c := &Cached[T]{
		store:     store,
		byName:    make(map[string]T),
		listeners: make(map[int]func([]T)),
	}

	initial, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial sync: %w", err)
	}
	c.replace(initial)

	c.cancelWatch = store.Watch(func(entities []T) {
		c.replace(entities)
		c.fanOut(entities)
	})
	return c, nil
}

func (c *Cached[T]) replace(entities []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]T, len(entities))
	for _, e := range entities {
		c.byName[e.GetName()] = e
	}
}

func (c *Cached[T]) fanOut(entities []T) {
	c.mu.Lock()
	listeners := make([]func([]T), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(entities)
	}
}

// Create passes through to the authoritative store.
func (c *Cached[T]) Create(ctx context.Context, e T) error {
	return c.store.Create(ctx, e)
}

// Update passes through to the authoritative store.
func (c *Cached[T]) Update(ctx context.Context, e T) error {
	return c.store.Update(ctx, e)
}

// Delete passes through to the authoritative store.
func (c *Cached[T]) Delete(ctx context.Context, name string) error {
	return c.store.Delete(ctx, name)
}

// Get reads from the local snapshot.
func (c *Cached[T]) Get(ctx context.Context, name string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byName[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

// List reads from the local snapshot.
func (c *Cached[T]) List(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, 0, len(c.byName))
	for _, e := range c.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out, nil
}

// Watch registers a listener on cache refreshes.
func (c *Cached[T]) Watch(listener func([]T)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close stops the cache refresh watch.
func (c *Cached[T]) Close() {
	if c.cancelWatch != nil {
		c.cancelWatch()
	}
}
