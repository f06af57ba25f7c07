// Package storage defines the object store the registry persists crates in,
// and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"google.golang.org/api/googleapi"
)

// ErrObjectNotFound is returned (wrapped) by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is a flat key/value blob store. Keys are slash-separated paths.
// A Put is atomic: readers see either the previous state or the complete new
// object, never a partial one. All methods must be safe for concurrent use.
type ObjectStore interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get opens the object stored under key. The caller must close the
	// returned reader. The size is the object length in bytes, or -1 when
	// the backend does not report it.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// List returns every key that starts with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// HealthCheck verifies that the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Closer is implemented by stores that hold resources such as database
// handles or background goroutines.
type Closer interface {
	Close() error
}

// ReadAll fetches an object fully into memory.
func ReadAll(ctx context.Context, s ObjectStore, key string) ([]byte, error) {
	rc, _, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}
	return data, nil
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// RemoteStatus extracts the HTTP status code of a failed cloud SDK call, or 0
// when err did not come from a remote response.
func RemoteStatus(err error) int {
	if err == nil {
		return 0
	}
	var azErr *azcore.ResponseError
	if errors.As(err, &azErr) {
		return azErr.StatusCode
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	var httpErr interface{ HTTPStatusCode() int }
	if errors.As(err, &httpErr) {
		return httpErr.HTTPStatusCode()
	}
	return 0
}

// notFound wraps ErrObjectNotFound with the key that was requested.
func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
}
