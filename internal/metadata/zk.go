package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"

	"github.com/kaldb-io/kaldb/internal/config"
)

// ZKBackend is the production coordination store, backed by ZooKeeper.
// The client reconnects on session loss; every directory watch re-arms
// itself and fires a resync notification after reconnect.
type ZKBackend struct {
	conn *zk.Conn
	log  *slog.Logger
	done chan struct{}
}

// NewZKBackend connects to the ZooKeeper ensemble.
func NewZKBackend(cfg config.MetadataConfig) (*ZKBackend, error) {
	servers := strings.Split(cfg.Connect, ",")
	conn, events, err := zk.Connect(servers, cfg.SessionTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrStore, cfg.Connect, err)
	}

	b := &ZKBackend{
		conn: conn,
		log:  slog.With("component", "metadata", "backend", "zookeeper"),
		done: make(chan struct{}),
	}

	go b.watchSession(events)
	return b, nil
}

// watchSession logs session state changes. Reconnects are handled by the
// client; directory watches resync themselves when they re-arm.
func (b *ZKBackend) watchSession(events <-chan zk.Event) {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.State {
			case zk.StateHasSession:
				b.log.Info("session established")
			case zk.StateDisconnected:
				b.log.Warn("session disconnected")
			case zk.StateExpired:
				b.log.Warn("session expired, client will reconnect")
			}
		}
	}
}

// ensureDir creates p and its parents if absent.
func (b *ZKBackend) ensureDir(p string) error {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur = cur + "/" + part
		_, err := b.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("%w: create %s: %v", ErrStore, cur, err)
		}
	}
	return nil
}

func (b *ZKBackend) Create(ctx context.Context, p string, data []byte) error {
	if err := b.ensureDir(path.Dir(p)); err != nil {
		return err
	}
	_, err := b.conn.Create(p, data, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStore, p, err)
	}
	return nil
}

func (b *ZKBackend) Set(ctx context.Context, p string, data []byte) error {
	// Last writer wins.
	_, err := b.conn.Set(p, data, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStore, p, err)
	}
	return nil
}

func (b *ZKBackend) Delete(ctx context.Context, p string) error {
	err := b.conn.Delete(p, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStore, p, err)
	}
	return nil
}

func (b *ZKBackend) Get(ctx context.Context, p string) ([]byte, error) {
	data, _, err := b.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStore, p, err)
	}
	return data, nil
}

func (b *ZKBackend) List(ctx context.Context, dir string) (map[string][]byte, error) {
	children, _, err := b.conn.Children(dir)
	if errors.Is(err, zk.ErrNoNode) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: children %s: %v", ErrStore, dir, err)
	}

	out := make(map[string][]byte, len(children))
	for _, child := range children {
		data, _, err := b.conn.Get(path.Join(dir, child))
		if errors.Is(err, zk.ErrNoNode) {
			// Deleted between children and get.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get %s/%s: %v", ErrStore, dir, child, err)
		}
		out[child] = data
	}
	return out, nil
}

// Watch arms a children watch on dir and invokes notify after every
// observed change. The watch is re-armed after each event and after
// session loss; notify fires on each (re)arm, which doubles as the full
// resync the facade contract requires.
func (b *ZKBackend) Watch(dir string, notify func()) (cancel func()) {
	stop := make(chan struct{})

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 0

		for {
			select {
			case <-stop:
				return
			case <-b.done:
				return
			default:
			}

			_, _, ch, err := b.conn.ChildrenW(dir)
			if errors.Is(err, zk.ErrNoNode) {
				if err := b.ensureDir(dir); err != nil {
					b.log.Warn("watch dir create failed", "dir", dir, "error", err)
					sleepOrStop(bo.NextBackOff(), stop)
				}
				continue
			}
			if err != nil {
				b.log.Warn("watch arm failed", "dir", dir, "error", err)
				sleepOrStop(bo.NextBackOff(), stop)
				continue
			}

			bo.Reset()
			notify()

			select {
			case <-ch:
			case <-stop:
				return
			case <-b.done:
				return
			}
		}
	}()

	return func() { close(stop) }
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

func (b *ZKBackend) Close() error {
	close(b.done)
	b.conn.Close()
	return nil
}
