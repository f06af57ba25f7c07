// Package registry implements the registry operations on top of the object
// store and the in-memory index: publishing, version and search queries,
// downloads, and rebuilding the index from the store.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/index"
	"github.com/lagret/lagret/internal/metrics"
	"github.com/lagret/lagret/internal/storage"
)

// DefaultBootstrapConcurrency bounds concurrent sidecar fetches at startup.
const DefaultBootstrapConcurrency = 16

// Registry ties the object store to the index. The store is the source of
// truth; the index is a cache that Bootstrap and Reload rebuild.
type Registry struct {
	store       storage.ObjectStore
	index       *index.Index
	concurrency int
	now         func() time.Time

	// reloadMu serializes Reload calls. Publishes are not blocked.
	reloadMu sync.Mutex

	// pending holds the versions whose publish is between checkExists and
	// commit, keyed by lowercased name and version. The channel is closed
	// when the holder releases its claim.
	pendingMu sync.Mutex
	pending   map[string]chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithBootstrapConcurrency sets how many sidecars are fetched in parallel
// while rebuilding the index.
func WithBootstrapConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides the time source used for publish timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIndex makes the registry serve an existing index.
func WithIndex(idx *index.Index) Option {
	return func(r *Registry) {
		r.index = idx
	}
}

// New creates a registry over store with an empty index. Call Bootstrap
// before serving requests.
func New(store storage.ObjectStore, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		index:       index.New(),
		concurrency: DefaultBootstrapConcurrency,
		now:         time.Now,
		pending:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Index exposes the registry's index for read-only consumers such as the
// export command.
func (r *Registry) Index() *index.Index {
	return r.index
}

// Store returns the underlying object store.
func (r *Registry) Store() storage.ObjectStore {
	return r.store
}

// Ready reports whether the object store answers health checks.
func (r *Registry) Ready(ctx context.Context) error {
	if err := r.store.HealthCheck(ctx); err != nil {
		return storageError("health", "", err)
	}
	return nil
}

// storageError wraps a store failure with the operation, key and remote
// status, and counts it.
func storageError(op, key string, err error) error {
	metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
	return &regerr.StorageError{Op: op, Key: key, Status: storage.RemoteStatus(err), Err: err}
}

func storeOK(op string) {
	metrics.StoreOperationsTotal.WithLabelValues(op, "success").Inc()
}

func (r *Registry) updateGauges() {
	crates, versions := r.index.Len()
	metrics.CratesTotal.Set(float64(crates))
	metrics.VersionsTotal.Set(float64(versions))
}

// publishOutcome labels a publish result for metrics.
func publishOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, regerr.ErrConflict):
		return "conflict"
	case errors.Is(err, regerr.ErrInvalid):
		return "invalid"
	case errors.Is(err, regerr.ErrStorage):
		return "storage_error"
	default:
		return "error"
	}
}

// Summaries is the result of a search.
type Summaries struct {
	Crates []crate.Summary
	Total  int
}
