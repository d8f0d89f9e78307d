// Package notify announces published snapshots to an optional downstream
// webhook. SnapshotPublished returns delivery failures to its caller;
// the snapshot is already committed by the time an event is emitted, so
// a failed delivery does not undo the publish.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaldb-io/kaldb/internal/config"
	"github.com/kaldb-io/kaldb/internal/metadata"
)

// Emitter announces a published snapshot.
type Emitter interface {
	SnapshotPublished(ctx context.Context, snap metadata.Snapshot) error
}

// NewEmitter creates an emitter based on configuration.
func NewEmitter(cfg config.NotifyConfig) Emitter {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noopEmitter{}
	}
	return &httpEmitter{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      slog.With("component", "notify"),
	}
}

type noopEmitter struct{}

func (noopEmitter) SnapshotPublished(context.Context, metadata.Snapshot) error { return nil }

type httpEmitter struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// event is the webhook payload.
type event struct {
	Type      string            `json:"type"`
	Snapshot  metadata.Snapshot `json:"snapshot"`
	EmittedAt time.Time         `json:"emitted_at"`
}

func (e *httpEmitter) SnapshotPublished(ctx context.Context, snap metadata.Snapshot) error {
	payload, err := json.Marshal(event{
		Type:      "snapshot_published",
		Snapshot:  snap,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build snapshot event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post snapshot event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("snapshot event rejected: %s", resp.Status)
	}
	e.log.Debug("snapshot event delivered", "snapshot", snap.Name)
	return nil
}
