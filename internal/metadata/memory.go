package metadata

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
)

// MemoryBackend is an in-process watchable store. Tests and single-node
// development use it in place of ZooKeeper.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string][]byte
	watchers map[int]*memWatcher
	nextID   int
	closed   bool
}

type memWatcher struct {
	dir    string
	notify func()
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string][]byte),
		watchers: make(map[int]*memWatcher),
	}
}

func (b *MemoryBackend) Create(ctx context.Context, p string, data []byte) error {
	b.mu.Lock()
	if _, ok := b.entries[p]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	b.entries[p] = append([]byte(nil), data...)
	notify := b.watchersFor(p)
	b.mu.Unlock()

	fire(notify)
	return nil
}

func (b *MemoryBackend) Set(ctx context.Context, p string, data []byte) error {
	b.mu.Lock()
	if _, ok := b.entries[p]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	b.entries[p] = append([]byte(nil), data...)
	notify := b.watchersFor(p)
	b.mu.Unlock()

	fire(notify)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, p string) error {
	b.mu.Lock()
	if _, ok := b.entries[p]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	delete(b.entries, p)
	notify := b.watchersFor(p)
	b.mu.Unlock()

	fire(notify)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, p string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.entries[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) List(ctx context.Context, dir string) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := strings.TrimSuffix(dir, "/") + "/"
	out := make(map[string][]byte)
	for p, data := range b.entries {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		if strings.Contains(rel, "/") {
			continue
		}
		out[rel] = append([]byte(nil), data...)
	}
	return out, nil
}

func (b *MemoryBackend) Watch(dir string, notify func()) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.watchers[id] = &memWatcher{dir: strings.TrimSuffix(dir, "/"), notify: notify}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.watchers = make(map[int]*memWatcher)
	return nil
}

// watchersFor collects the notify callbacks watching the parent of p.
// Caller holds the lock.
func (b *MemoryBackend) watchersFor(p string) []func() {
	parent := path.Dir(p)
	var out []func()
	for _, w := range b.watchers {
		if w.dir == parent {
			out = append(out, w.notify)
		}
	}
	return out
}

// fire invokes watcher callbacks off the mutation path so listeners may
// call back into the store.
func fire(notify []func()) {
	for _, fn := range notify {
		go fn()
	}
}
