// Package blob is the object store adapter for chunk data. URIs encode
// (bucket, prefix); all chunk files for one snapshot live under a single
// prefix.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver

	"github.com/kaldb-io/kaldb/internal/config"
)

// ErrIO is the single error kind surfaced by the blob adapter. Callers
// treat it as recoverable by retrying the whole operation.
var ErrIO = errors.New("blob io error")

// Store abstracts the object store holding chunk directories.
type Store interface {
	// Put uploads every regular file under localDir to uri/. There is no
	// partial-success contract: on any sub-file failure the whole operation
	// fails and the caller retries or cleans up.
	Put(ctx context.Context, uri string, localDir string) error

	// Exists reports whether any object lives under uri.
	Exists(ctx context.Context, uri string) (bool, error)

	// List returns the URIs under uri. Non-recursive listings stop at the
	// first path separator.
	List(ctx context.Context, uri string, recursive bool) ([]string, error)

	// Delete removes every object under uri.
	Delete(ctx context.Context, uri string) error

	// CopyToLocal downloads every object under uri into dir.
	CopyToLocal(ctx context.Context, uri string, dir string) error

	// URI returns the canonical URI for a name under this store's root.
	URI(name string) string

	// Close releases the bucket connection.
	Close() error
}

// BucketStore implements Store over a gocloud bucket.
type BucketStore struct {
	bucket    *blob.Bucket
	baseURI   string // e.g. "s3://chunks/kaldb" without trailing slash
	prefix    string // key prefix within the bucket
	opTimeout time.Duration
}

// NewStore creates a blob store based on configuration. The s3 backend
// works with AWS S3, Backblaze B2, Cloudflare R2 and MinIO.
func NewStore(cfg config.BlobConfig) (*BucketStore, error) {
	ctx := context.Background()

	switch cfg.Backend {
	case "s3":
		bucketURL := fmt.Sprintf("s3://%s", cfg.Bucket)
		params := url.Values{}
		if cfg.Region != "" {
			params.Set("region", cfg.Region)
		}
		if cfg.Endpoint != "" {
			params.Set("endpoint", cfg.Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL = bucketURL + "?" + params.Encode()
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("%w: open s3 bucket %s: %v", ErrIO, cfg.Bucket, err)
		}
		base := "s3://" + cfg.Bucket
		if cfg.Prefix != "" {
			base = base + "/" + strings.Trim(cfg.Prefix, "/")
		}
		return &BucketStore{bucket: bucket, baseURI: base, prefix: strings.Trim(cfg.Prefix, "/"), opTimeout: cfg.OpTimeout()}, nil

	case "file":
		if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create local dir %s: %v", ErrIO, cfg.LocalDir, err)
		}
		bucket, err := fileblob.OpenBucket(cfg.LocalDir, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: open file bucket %s: %v", ErrIO, cfg.LocalDir, err)
		}
		return &BucketStore{bucket: bucket, baseURI: "file://" + filepath.ToSlash(cfg.LocalDir), opTimeout: cfg.OpTimeout()}, nil

	case "mem":
		return &BucketStore{bucket: memblob.OpenBucket(nil), baseURI: "mem://" + cfg.Bucket, opTimeout: cfg.OpTimeout()}, nil

	default:
		return nil, fmt.Errorf("%w: unknown blob backend %q", ErrIO, cfg.Backend)
	}
}

// NewStoreWithBucket wraps an already-open bucket. Tests use this with
// memblob buckets.
func NewStoreWithBucket(bucket *blob.Bucket, baseURI string) *BucketStore {
	return &BucketStore{bucket: bucket, baseURI: strings.TrimSuffix(baseURI, "/"), opTimeout: 30 * time.Second}
}

// URI returns the canonical URI for a name under this store's root.
func (s *BucketStore) URI(name string) string {
	return s.baseURI + "/" + strings.Trim(name, "/")
}

// keyFor resolves a URI produced by this store back to a bucket key.
func (s *BucketStore) keyFor(uri string) (string, error) {
	if !strings.HasPrefix(uri, s.baseURI) {
		return "", fmt.Errorf("%w: uri %q is outside store root %q", ErrIO, uri, s.baseURI)
	}
	rel := strings.Trim(strings.TrimPrefix(uri, s.baseURI), "/")
	if s.prefix != "" {
		if rel == "" {
			return s.prefix, nil
		}
		return s.prefix + "/" + rel, nil
	}
	return rel, nil
}

func (s *BucketStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Put uploads every regular file under localDir to uri/.
func (s *BucketStore) Put(ctx context.Context, uri string, localDir string) error {
	key, err := s.keyFor(uri)
	if err != nil {
		return err
	}

	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("%w: walk %s: %v", ErrIO, localDir, walkErr)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return fmt.Errorf("%w: rel path %s: %v", ErrIO, p, err)
		}
		objKey := path.Join(key, filepath.ToSlash(rel))

		return s.uploadFile(ctx, objKey, p)
	})
}

func (s *BucketStore) uploadFile(ctx context.Context, key, localPath string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIO, localPath, err)
	}
	defer f.Close()

	w, err := s.bucket.NewWriter(opCtx, key, nil)
	if err != nil {
		return fmt.Errorf("%w: create writer for %s: %v", ErrIO, key, err)
	}

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("%w: write %s: %v", ErrIO, key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close writer for %s: %v", ErrIO, key, err)
	}
	return nil
}

// Exists reports whether any object lives under uri.
func (s *BucketStore) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.keyFor(uri)
	if err != nil {
		return false, err
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	// Exact object first, then prefix.
	ok, err := s.bucket.Exists(opCtx, key)
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", ErrIO, key, err)
	}
	if ok {
		return true, nil
	}

	iter := s.bucket.List(&blob.ListOptions{Prefix: key + "/"})
	if _, err := iter.Next(opCtx); err == io.EOF {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("%w: list %s: %v", ErrIO, key, err)
	}
	return true, nil
}

// List returns the URIs under uri.
func (s *BucketStore) List(ctx context.Context, uri string, recursive bool) ([]string, error) {
	key, err := s.keyFor(uri)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	opts := &blob.ListOptions{Prefix: key + "/"}
	if !recursive {
		opts.Delimiter = "/"
	}

	var uris []string
	iter := s.bucket.List(opts)
	for {
		obj, err := iter.Next(opCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrIO, key, err)
		}
		rel := strings.Trim(strings.TrimPrefix(obj.Key, s.prefix), "/")
		uris = append(uris, s.baseURI+"/"+rel)
	}
	return uris, nil
}

// Delete removes every object under uri.
func (s *BucketStore) Delete(ctx context.Context, uri string) error {
	key, err := s.keyFor(uri)
	if err != nil {
		return err
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	iter := s.bucket.List(&blob.ListOptions{Prefix: key + "/"})
	for {
		obj, err := iter.Next(opCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: list %s: %v", ErrIO, key, err)
		}
		if err := s.bucket.Delete(opCtx, obj.Key); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrIO, obj.Key, err)
		}
	}

	// An exact object at the key itself.
	if ok, _ := s.bucket.Exists(opCtx, key); ok {
		if err := s.bucket.Delete(opCtx, key); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrIO, key, err)
		}
	}
	return nil
}

// CopyToLocal downloads every object under uri into dir.
func (s *BucketStore) CopyToLocal(ctx context.Context, uri string, dir string) error {
	key, err := s.keyFor(uri)
	if err != nil {
		return err
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	iter := s.bucket.List(&blob.ListOptions{Prefix: key + "/"})
	for {
		obj, err := iter.Next(opCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: list %s: %v", ErrIO, key, err)
		}

		rel := strings.TrimPrefix(obj.Key, key+"/")
		local := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return fmt.Errorf("%w: mkdir for %s: %v", ErrIO, local, err)
		}

		if err := s.downloadFile(opCtx, obj.Key, local); err != nil {
			return err
		}
	}
	return nil
}

func (s *BucketStore) downloadFile(ctx context.Context, key, local string) error {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("%w: create reader for %s: %v", ErrIO, key, err)
	}
	defer r.Close()

	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, local, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("%w: download %s: %v", ErrIO, key, err)
	}
	return nil
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
