package registry

import (
	"context"
	"io"
	"log/slog"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/keys"
	"github.com/lagret/lagret/internal/metrics"
	"github.com/lagret/lagret/internal/storage"
)

// GetVersions returns every version of a crate in ascending semver order.
func (r *Registry) GetVersions(name string) ([]crate.VersionEntry, error) {
	entries, ok := r.index.Lookup(name)
	if !ok {
		return nil, &regerr.NotFoundError{Name: name}
	}
	return entries, nil
}

// Search returns at most limit crates whose name contains query, and the
// number of crates that matched before the cap.
func (r *Registry) Search(query string, limit int) Summaries {
	rows, total := r.index.Search(query, limit)
	return Summaries{Crates: rows, Total: total}
}

// Download locates a published archive.
type Download struct {
	Name     string
	Version  string
	Key      string
	Size     int64
	Checksum string
}

// ResolveDownload finds the archive of a published version. It answers from
// the index alone and never lists the store.
func (r *Registry) ResolveDownload(name, version string) (Download, error) {
	rel, ok := r.index.LookupRelease(name, version)
	if !ok {
		return Download{}, &regerr.NotFoundError{Name: name, Version: version}
	}
	return Download{
		Name:     rel.Entry.Name,
		Version:  rel.Entry.Vers,
		Key:      keys.ArchiveKey(rel.Entry.Name, rel.Entry.Vers),
		Size:     rel.ArchiveSize,
		Checksum: rel.Entry.Cksum,
	}, nil
}

// OpenDownload resolves a version and opens its archive. The caller must
// close the returned reader.
func (r *Registry) OpenDownload(ctx context.Context, name, version string) (io.ReadCloser, Download, error) {
	dl, err := r.ResolveDownload(name, version)
	if err != nil {
		return nil, Download{}, err
	}

	rc, size, err := r.store.Get(ctx, dl.Key)
	if err != nil {
		// An indexed archive missing from the store is a storage fault,
		// not a 404: the index says the version is published.
		if storage.IsNotFound(err) {
			slog.Warn("Indexed archive missing from store", "crate", dl.Name, "version", dl.Version, "key", dl.Key)
		}
		return nil, Download{}, storageError("get", dl.Key, err)
	}
	storeOK("get")

	if size >= 0 {
		dl.Size = size
	}
	return &countingReader{ReadCloser: rc}, dl, nil
}

// countingReader adds the bytes actually served to the download counter.
type countingReader struct {
	io.ReadCloser
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	metrics.DownloadBytesTotal.Add(float64(n))
	return n, err
}
