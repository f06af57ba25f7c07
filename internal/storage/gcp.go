package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSAPI is the subset of the GCS client the store uses, so tests can mock it.
type GCSAPI interface {
	// NewWriter returns a writer that creates the object on Close.
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	// NewReader opens the object and reports its size.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
	// ListObjects returns the names of all objects under prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	// BucketAttrs fails if the bucket is not accessible.
	BucketAttrs(ctx context.Context, bucket string) error
}

// realGCSClient adapts *gcs.Client to GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	q := &gcs.Query{Prefix: prefix}
	if err := q.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, err
	}
	it := c.client.Bucket(bucket).Objects(ctx, q)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCPStore implements ObjectStore on a Google Cloud Storage bucket.
// Credentials come from Application Default Credentials.
type GCPStore struct {
	Bucket string
	// Prefix namespaces all keys inside the bucket.
	Prefix string
	client GCSAPI
}

// NewGCPStore creates the GCS client and verifies the bucket is reachable.
func NewGCPStore(ctx context.Context, bucket, prefix string) (*GCPStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := NewGCPStoreWithClient(bucket, prefix, &realGCSClient{client: client})
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCP object store initialized", "bucket", bucket, "prefix", prefix)
	return s, nil
}

// NewGCPStoreWithClient creates a GCPStore around an existing client.
func NewGCPStoreWithClient(bucket, prefix string, client GCSAPI) *GCPStore {
	return &GCPStore{Bucket: bucket, Prefix: prefix, client: client}
}

func (s *GCPStore) gcsKey(key string) string {
	return s.Prefix + key
}

// Put uploads data. GCS makes the object visible only once the writer is
// closed successfully.
func (s *GCPStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.client.NewWriter(ctx, s.Bucket, s.gcsKey(key), contentTypeFor(key))
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading %q to GCS: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload of %q: %w", key, err)
	}
	return nil
}

// Get opens the object for reading.
func (s *GCPStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, size, err := s.client.NewReader(ctx, s.Bucket, s.gcsKey(key))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, notFound(key)
		}
		return nil, 0, fmt.Errorf("getting %q from GCS: %w", key, err)
	}
	return rc, size, nil
}

// List returns the keys under prefix with the store prefix removed.
func (s *GCPStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.client.ListObjects(ctx, s.Bucket, s.gcsKey(prefix))
	if err != nil {
		return nil, fmt.Errorf("listing %q in GCS: %w", prefix, err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, s.Prefix) {
			keys = append(keys, strings.TrimPrefix(n, s.Prefix))
		}
	}
	return keys, nil
}

// HealthCheck verifies that the bucket is accessible.
func (s *GCPStore) HealthCheck(ctx context.Context) error {
	return s.client.BucketAttrs(ctx, s.Bucket)
}

// isGCSNotFound reports whether err means the object does not exist.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusNotFound
	}
	return false
}

var _ ObjectStore = (*GCPStore)(nil)
