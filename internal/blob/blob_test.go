package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/kaldb-io/kaldb/internal/config"
)

func newMemStore(t *testing.T) *BucketStore {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return NewStoreWithBucket(bucket, "mem://test-bucket")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPutListExists(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "docs-000001.parquet", "segment data")
	writeFile(t, dir, "chunk-1.metadata", "{}")

	uri := store.URI("chunk-1")
	if uri != "mem://test-bucket/chunk-1" {
		t.Errorf("uri = %q", uri)
	}

	if err := store.Put(ctx, uri, dir); err != nil {
		t.Fatalf("put: %v", err)
	}

	exists, err := store.Exists(ctx, uri)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Error("uploaded chunk should exist")
	}

	files, err := store.List(ctx, uri, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("list = %d files, want 2: %v", len(files), files)
	}

	missing, err := store.Exists(ctx, store.URI("no-such-chunk"))
	if err != nil {
		t.Fatalf("exists missing: %v", err)
	}
	if missing {
		t.Error("missing chunk reported as existing")
	}
}

func TestPutIncludesNestedFiles(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "docs-000001.parquet", "a")
	writeFile(t, dir, filepath.Join("meta", "schema.json"), "b")

	uri := store.URI("chunk-nested")
	if err := store.Put(ctx, uri, dir); err != nil {
		t.Fatalf("put: %v", err)
	}

	files, err := store.List(ctx, uri, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("list = %v, want nested file included", files)
	}
}

func TestDelete(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "docs-000001.parquet", "segment data")

	uri := store.URI("chunk-del")
	if err := store.Put(ctx, uri, dir); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, uri); err != nil {
		t.Fatalf("delete: %v", err)
	}

	exists, err := store.Exists(ctx, uri)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Error("deleted chunk still exists")
	}
}

func TestCopyToLocal(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, src, "docs-000001.parquet", "segment data")
	writeFile(t, src, "chunk-2.metadata", `{"chunk_id":"chunk-2"}`)

	uri := store.URI("chunk-2")
	if err := store.Put(ctx, uri, src); err != nil {
		t.Fatalf("put: %v", err)
	}

	dst := t.TempDir()
	if err := store.CopyToLocal(ctx, uri, dst); err != nil {
		t.Fatalf("copy to local: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "chunk-2.metadata"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != `{"chunk_id":"chunk-2"}` {
		t.Errorf("downloaded content = %q", data)
	}
}

func TestForeignURIRejected(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	_, err := store.Exists(ctx, "s3://other-bucket/chunk-1")
	if !errors.Is(err, ErrIO) {
		t.Errorf("foreign uri: got %v, want ErrIO", err)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	store, err := NewStore(config.BlobConfig{Backend: "file", LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "docs-000001.parquet", "segment data")
	writeFile(t, dir, "chunk-3.metadata", "{}")

	uri := store.URI("chunk-3")
	if err := store.Put(ctx, uri, dir); err != nil {
		t.Fatalf("put: %v", err)
	}

	exists, err := store.Exists(ctx, uri)
	if err != nil || !exists {
		t.Fatalf("exists = %v, %v", exists, err)
	}

	files, err := store.List(ctx, uri, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("list = %v, want 2 files", files)
	}
}
