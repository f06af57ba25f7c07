package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/index"
	"github.com/lagret/lagret/internal/keys"
	"github.com/lagret/lagret/internal/metrics"
	"github.com/lagret/lagret/internal/storage"
)

// Reasons an object is skipped while rebuilding the index.
const (
	skipUnparsableKey = "unparsable_key"
	skipParseError    = "parse_error"
	skipMismatch      = "mismatch"
	skipNoArchive     = "orphan_metadata"
	skipNoMetadata    = "orphan_archive"
	skipConflict      = "conflict"
	skipFetchError    = "fetch_error"
)

// BootstrapReport summarizes a rebuild of the index.
type BootstrapReport struct {
	// Loaded is the number of versions inserted into the index.
	Loaded int
	// Skipped counts objects and versions left out because they were
	// malformed or incomplete.
	Skipped int
	// Failed counts sidecars that could not be fetched.
	Failed   int
	Duration time.Duration
}

// version groups the objects found for one (name, version) pair.
type version struct {
	name, vers        string
	archive, metadata bool
}

// LoadIndex builds a fresh index from the objects in store. Incomplete or
// malformed versions are skipped with a warning. It fails only when the
// store cannot be listed, or when every sidecar fetch failed.
func LoadIndex(ctx context.Context, store storage.ObjectStore, concurrency int) (*index.Index, BootstrapReport, error) {
	start := time.Now()
	var report BootstrapReport
	skip := func(reason string, attrs ...any) {
		report.Skipped++
		metrics.BootstrapSkippedTotal.WithLabelValues(reason).Inc()
		slog.Warn("Skipping object during bootstrap", append([]any{"reason", reason}, attrs...)...)
	}

	listed, err := store.List(ctx, keys.Prefix+"/")
	if err != nil {
		return nil, report, storageError("list", keys.Prefix+"/", err)
	}
	storeOK("list")

	found := make(map[string]*version)
	for _, key := range listed {
		k, err := keys.Parse(key)
		if err != nil {
			skip(skipUnparsableKey, "key", key)
			continue
		}
		id := k.Name + "/" + k.Version
		v, ok := found[id]
		if !ok {
			v = &version{name: k.Name, vers: k.Version}
			found[id] = v
		}
		switch k.Kind {
		case keys.Archive:
			v.archive = true
		case keys.Metadata:
			v.metadata = true
		}
	}

	var candidates []*version
	for _, v := range found {
		switch {
		case !v.metadata:
			skip(skipNoMetadata, "crate", v.name, "version", v.vers)
		case !v.archive:
			skip(skipNoArchive, "crate", v.name, "version", v.vers)
		default:
			candidates = append(candidates, v)
		}
	}
	// Fixed order so case collisions resolve the same way on every boot.
	slices.SortFunc(candidates, func(a, b *version) int {
		return cmp.Or(strings.Compare(a.name, b.name), strings.Compare(a.vers, b.vers))
	})

	sidecars := make([]*crate.Sidecar, len(candidates))
	fetchErrs := make([]error, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency < 1 {
		concurrency = DefaultBootstrapConcurrency
	}
	g.SetLimit(concurrency)
	for i, v := range candidates {
		g.Go(func() error {
			sidecars[i], fetchErrs[i] = fetchSidecar(gctx, store, v)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}

	idx := index.New()
	var lastFailure error
	for i, v := range candidates {
		err := fetchErrs[i]
		var parseErr *regerr.ParseError
		switch {
		case err == nil:
		case errors.As(err, &parseErr):
			skip(skipParseError, "key", parseErr.Key, "error", parseErr.Err)
			continue
		case errors.Is(err, regerr.ErrInvalid):
			skip(skipMismatch, "crate", v.name, "version", v.vers, "error", err)
			continue
		default:
			report.Failed++
			lastFailure = err
			metrics.BootstrapSkippedTotal.WithLabelValues(skipFetchError).Inc()
			slog.Warn("Failed to fetch sidecar during bootstrap", "crate", v.name, "version", v.vers, "error", err)
			continue
		}

		if err := idx.Insert(sidecars[i].Release()); err != nil {
			skip(skipConflict, "crate", v.name, "version", v.vers, "error", err)
			continue
		}
		report.Loaded++
	}

	if report.Failed > 0 && report.Failed == len(candidates) {
		return nil, report, fmt.Errorf("bootstrap: all %d sidecar fetches failed: %w", report.Failed, lastFailure)
	}

	report.Duration = time.Since(start)
	metrics.BootstrapDuration.Observe(report.Duration.Seconds())
	return idx, report, nil
}

// fetchSidecar reads and decodes one sidecar. A sidecar that cannot be
// decoded yields a ParseError; one that describes a different version than
// its key yields an InvalidError.
func fetchSidecar(ctx context.Context, store storage.ObjectStore, v *version) (*crate.Sidecar, error) {
	key := keys.MetadataKey(v.name, v.vers)
	data, err := storage.ReadAll(ctx, store, key)
	if err != nil {
		return nil, storageError("get", key, err)
	}
	storeOK("get")

	sc, err := crate.DecodeSidecar(data)
	if err != nil {
		return nil, &regerr.ParseError{Key: key, Err: err}
	}
	if sc.Entry.Name != v.name || sc.Entry.Vers != v.vers {
		return nil, regerr.Invalid("sidecar", "%s describes %s %s", key, sc.Entry.Name, sc.Entry.Vers)
	}
	return sc, nil
}

// Bootstrap rebuilds the index from the store and swaps it in. It is
// idempotent and safe to call while requests are being served.
func (r *Registry) Bootstrap(ctx context.Context) (BootstrapReport, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	fresh, report, err := LoadIndex(ctx, r.store, r.concurrency)
	if err != nil {
		return report, err
	}
	if carried := r.index.Refresh(fresh); carried > 0 {
		slog.Info("Kept releases published during bootstrap", "count", carried)
	}
	r.updateGauges()

	crates, versions := r.index.Len()
	slog.Info("Index loaded",
		"crates", crates,
		"versions", versions,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

// Reload rebuilds the index on demand, for example on SIGHUP. On failure
// the current index keeps serving.
func (r *Registry) Reload(ctx context.Context) (BootstrapReport, error) {
	report, err := r.Bootstrap(ctx)
	if err != nil {
		slog.Error("Reload failed, keeping the current index", "error", err)
	}
	return report, err
}
