// Package index holds the in-memory view of every published crate version.
//
// The index is a cache rebuilt from the object store at startup; it is never
// persisted. A single RWMutex guards it. Readers take the read lock only for
// the duration of the read and receive copies, so no caller can observe or
// cause a partial update.
package index

import (
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
)

// crateRecord holds every version of one crate. order lists the version
// strings ascending by semver precedence; its last element is the latest.
type crateRecord struct {
	name     string
	releases map[string]crate.Release
	order    []string
	parsed   map[string]*semver.Version
}

func newCrateRecord(name string) *crateRecord {
	return &crateRecord{
		name:     name,
		releases: make(map[string]crate.Release),
		parsed:   make(map[string]*semver.Version),
	}
}

// add inserts a release that is known not to be present and keeps order
// sorted.
func (c *crateRecord) add(rel crate.Release, v *semver.Version) {
	vers := rel.Entry.Vers
	c.releases[vers] = rel
	c.parsed[vers] = v

	i, _ := slices.BinarySearchFunc(c.order, v, func(s string, target *semver.Version) int {
		if n := c.parsed[s].Compare(target); n != 0 {
			return n
		}
		// Versions equal in precedence (differing only in build metadata)
		// fall back to string order so the result is deterministic.
		return strings.Compare(s, target.Original())
	})
	c.order = slices.Insert(c.order, i, vers)
}

func (c *crateRecord) latest() crate.Release {
	return c.releases[c.order[len(c.order)-1]]
}

// Index maps crate name to version to release.
type Index struct {
	mu     sync.RWMutex
	crates map[string]*crateRecord
	// folded maps the lowercased name to the stored name, for
	// case-insensitive resolution and collision checks.
	folded   map[string]string
	versions int
}

// New returns an empty index.
func New() *Index {
	return &Index{
		crates: make(map[string]*crateRecord),
		folded: make(map[string]string),
	}
}

// Insert adds a release. It fails with a ConflictError when the version is
// already present, or when a crate whose name differs only in case exists.
// The existence check and the insert happen under one write lock.
func (idx *Index) Insert(rel crate.Release) error {
	v, err := rel.Entry.SemVer()
	if err != nil {
		return regerr.Invalid("version", "%q is not a valid semantic version: %v", rel.Entry.Vers, err)
	}
	rel = rel.Clone()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.insertLocked(rel, v)
}

// insertLocked performs the check-and-insert. The caller holds the write
// lock, or owns idx exclusively.
func (idx *Index) insertLocked(rel crate.Release, v *semver.Version) error {
	name := rel.Entry.Name
	if stored, ok := idx.folded[strings.ToLower(name)]; ok && stored != name {
		return &regerr.ConflictError{Name: name, Version: rel.Entry.Vers, Existing: stored}
	}

	rec, ok := idx.crates[name]
	if !ok {
		rec = newCrateRecord(name)
		idx.crates[name] = rec
		idx.folded[strings.ToLower(name)] = name
	}
	if _, exists := rec.releases[rel.Entry.Vers]; exists {
		return &regerr.ConflictError{Name: name, Version: rel.Entry.Vers}
	}
	rec.add(rel, v)
	idx.versions++
	return nil
}

// Contains reports whether the exact (name, version) pair is present, or
// returns a conflict for a case-only name collision. It is the fast-fail
// check run before any store write.
func (idx *Index) Contains(name, version string) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if stored, ok := idx.folded[strings.ToLower(name)]; ok && stored != name {
		return false, &regerr.ConflictError{Name: name, Version: version, Existing: stored}
	}
	rec, ok := idx.crates[name]
	if !ok {
		return false, nil
	}
	_, exists := rec.releases[version]
	return exists, nil
}

// Lookup returns every version of a crate, ascending by semver precedence.
func (idx *Index) Lookup(name string) ([]crate.VersionEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rec, ok := idx.crates[name]
	if !ok {
		return nil, false
	}
	out := make([]crate.VersionEntry, 0, len(rec.order))
	for _, vers := range rec.order {
		out = append(out, rec.releases[vers].Entry.Clone())
	}
	return out, true
}

// LookupVersion returns one version's entry.
func (idx *Index) LookupVersion(name, version string) (crate.VersionEntry, bool) {
	rel, ok := idx.LookupRelease(name, version)
	if !ok {
		return crate.VersionEntry{}, false
	}
	return rel.Entry, true
}

// LookupRelease returns one version's release record.
func (idx *Index) LookupRelease(name, version string) (crate.Release, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rec, ok := idx.crates[name]
	if !ok {
		return crate.Release{}, false
	}
	rel, ok := rec.releases[version]
	if !ok {
		return crate.Release{}, false
	}
	return rel.Clone(), true
}

// Resolve maps a name in any letter case to the stored crate name.
func (idx *Index) Resolve(name string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stored, ok := idx.folded[strings.ToLower(name)]
	return stored, ok
}

// Search returns one summary per crate whose name contains query
// (case-sensitive), sorted by name and capped at limit, together with the
// number of matches before the cap. An empty query matches every crate.
func (idx *Index) Search(query string, limit int) ([]crate.Summary, int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var names []string
	for name := range idx.crates {
		if strings.Contains(name, query) {
			names = append(names, name)
		}
	}
	total := len(names)
	if limit <= 0 {
		return []crate.Summary{}, total
	}

	slices.Sort(names)
	if len(names) > limit {
		names = names[:limit]
	}

	out := make([]crate.Summary, 0, len(names))
	for _, name := range names {
		latest := idx.crates[name].latest()
		out = append(out, crate.Summary{
			Name:        name,
			MaxVersion:  latest.Entry.Vers,
			Description: latest.Description,
		})
	}
	return out, total
}

// Len returns the number of crates and of versions.
func (idx *Index) Len() (crates, versions int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.crates), idx.versions
}

// Names returns all crate names, sorted.
func (idx *Index) Names() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	names := make([]string, 0, len(idx.crates))
	for name := range idx.crates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Releases returns every release of every crate, ordered by name and then
// by version.
func (idx *Index) Releases() []crate.Release {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	names := make([]string, 0, len(idx.crates))
	for name := range idx.crates {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]crate.Release, 0, idx.versions)
	for _, name := range names {
		rec := idx.crates[name]
		for _, vers := range rec.order {
			out = append(out, rec.releases[vers].Clone())
		}
	}
	return out
}

// Replace swaps in the contents of other, which must not be used afterwards.
func (idx *Index) Replace(other *Index) {
	other.mu.Lock()
	crates, folded, versions := other.crates, other.folded, other.versions
	other.crates, other.folded, other.versions = nil, nil, 0
	other.mu.Unlock()

	idx.mu.Lock()
	idx.crates, idx.folded, idx.versions = crates, folded, versions
	idx.mu.Unlock()
}

// Refresh swaps in other like Replace, but first copies over every release
// that is in idx and missing from other. Releases are never removed from the
// store, so a release committed while other was being built is kept rather
// than dropped. It returns the number of releases carried over.
func (idx *Index) Refresh(other *Index) int {
	other.mu.Lock()
	crates, folded, versions := other.crates, other.folded, other.versions
	other.crates, other.folded, other.versions = nil, nil, 0
	other.mu.Unlock()

	fresh := &Index{crates: crates, folded: folded, versions: versions}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	carried := 0
	for _, rec := range idx.crates {
		for _, vers := range rec.order {
			if fresh.insertLocked(rec.releases[vers], rec.parsed[vers]) == nil {
				carried++
			}
		}
	}
	idx.crates, idx.folded, idx.versions = fresh.crates, fresh.folded, fresh.versions
	return carried
}
