package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/github/go-spdx/v2/spdxexp"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/keys"
	"github.com/lagret/lagret/internal/metrics"
)

// Warnings are the non-fatal publish diagnostics cargo prints to the user.
type Warnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

// PublishResult is returned by a successful publish.
type PublishResult struct {
	Entry    crate.VersionEntry
	Warnings Warnings
}

// Publish validates, persists and indexes a new crate version.
//
// The archive is written before the sidecar, and the index is updated only
// after both writes succeed, so a version is never visible before it is
// durable. Publishes of the same version in one process run one at a time.
// Across processes both may write the store, but exactly one wins the index
// insert and the loser gets a conflict.
func (r *Registry) Publish(ctx context.Context, meta *crate.CrateMeta, archive []byte) (*PublishResult, error) {
	res, err := r.publish(ctx, meta, archive)
	metrics.PublishesTotal.WithLabelValues(publishOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	metrics.PublishedBytes.Observe(float64(len(archive)))
	r.updateGauges()
	slog.Info("Crate published", "crate", res.Entry.Name, "version", res.Entry.Vers, "size", len(archive))
	return res, nil
}

func (r *Registry) publish(ctx context.Context, meta *crate.CrateMeta, archive []byte) (*PublishResult, error) {
	if err := validate(meta, archive); err != nil {
		return nil, err
	}
	release, err := r.claim(ctx, meta.Name, meta.Vers)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := r.checkExists(meta.Name, meta.Vers); err != nil {
		return nil, err
	}

	sc := &crate.Sidecar{
		Format:      crate.SidecarFormat,
		Entry:       meta.Entry(Checksum(archive)),
		Meta:        *meta,
		ArchiveSize: int64(len(archive)),
		PublishedAt: r.now().UTC(),
	}
	if err := r.persist(ctx, sc, archive); err != nil {
		return nil, err
	}
	if err := r.commit(sc.Release()); err != nil {
		return nil, err
	}

	return &PublishResult{Entry: sc.Entry.Clone(), Warnings: warningsFor(meta)}, nil
}

// validate checks the metadata before anything is written.
func validate(meta *crate.CrateMeta, archive []byte) error {
	if meta == nil {
		return regerr.Invalid("metadata", "missing crate metadata")
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	if len(archive) == 0 {
		return regerr.Invalid("crate", "crate archive is empty")
	}
	return nil
}

// checkExists fails fast when the version is already indexed. It only
// holds the index read lock; commit repeats the check atomically.
func (r *Registry) checkExists(name, version string) error {
	exists, err := r.index.Contains(name, version)
	if err != nil {
		return err
	}
	if exists {
		return &regerr.ConflictError{Name: name, Version: version}
	}
	return nil
}

// claim reserves a version for the duration of one publish so that a
// concurrent publish of the same version in this process cannot overwrite
// the holder's objects. A busy claim waits for the holder to finish; the
// caller then runs checkExists, which conflicts only if the holder committed.
// The index insert in commit remains the authority across processes.
func (r *Registry) claim(ctx context.Context, name, version string) (func(), error) {
	key := strings.ToLower(name) + "@" + version
	for {
		r.pendingMu.Lock()
		held, busy := r.pending[key]
		if !busy {
			done := make(chan struct{})
			r.pending[key] = done
			r.pendingMu.Unlock()
			return func() {
				r.pendingMu.Lock()
				delete(r.pending, key)
				r.pendingMu.Unlock()
				close(done)
			}, nil
		}
		r.pendingMu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Checksum returns the lowercase hex SHA-256 digest cargo verifies
// downloads against.
func Checksum(archive []byte) string {
	sum := sha256.Sum256(archive)
	return hex.EncodeToString(sum[:])
}

// persist writes the archive and then its sidecar. No index state is
// touched, so a failure here leaves at most orphan objects behind.
func (r *Registry) persist(ctx context.Context, sc *crate.Sidecar, archive []byte) error {
	name, vers := sc.Entry.Name, sc.Entry.Vers

	archiveKey := keys.ArchiveKey(name, vers)
	if err := r.store.Put(ctx, archiveKey, archive); err != nil {
		return storageError("put", archiveKey, err)
	}
	storeOK("put")

	data, err := crate.EncodeSidecar(sc)
	if err != nil {
		return fmt.Errorf("publishing %s %s: %w", name, vers, err)
	}
	metaKey := keys.MetadataKey(name, vers)
	if err := r.store.Put(ctx, metaKey, data); err != nil {
		return storageError("put", metaKey, err)
	}
	storeOK("put")
	return nil
}

// commit inserts the release with an atomic check-and-insert.
func (r *Registry) commit(rel crate.Release) error {
	if err := r.index.Insert(rel); err != nil {
		slog.Warn("Publish lost the race for an index slot",
			"crate", rel.Entry.Name, "version", rel.Entry.Vers, "error", err)
		return err
	}
	return nil
}

// warningsFor collects diagnostics that do not block the publish.
func warningsFor(meta *crate.CrateMeta) Warnings {
	w := Warnings{
		InvalidCategories: []string{},
		InvalidBadges:     []string{},
		Other:             []string{},
	}
	switch {
	case meta.License != nil && *meta.License != "":
		if ok, invalid := spdxexp.ValidateLicenses([]string{*meta.License}); !ok {
			w.Other = append(w.Other, fmt.Sprintf("license %q is not a valid SPDX expression: %v", *meta.License, invalid))
		}
	case meta.LicenseFile == nil || *meta.LicenseFile == "":
		w.Other = append(w.Other, "manifest has no license or license-file")
	}
	return w
}
