// Package crate defines the data model of published crates: the metadata
// cargo sends on publish, the index entry served to cargo, and the metadata
// sidecar persisted next to every archive.
package crate

import (
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// IndexFormatVersion is the "v" value of entries that use features2.
const IndexFormatVersion = 2

// DependencyKind is the kind of a dependency: normal, dev or build.
type DependencyKind string

const (
	KindNormal DependencyKind = "normal"
	KindDev    DependencyKind = "dev"
	KindBuild  DependencyKind = "build"
)

// Valid reports whether k is one of the known dependency kinds.
func (k DependencyKind) Valid() bool {
	switch k {
	case KindNormal, KindDev, KindBuild:
		return true
	}
	return false
}

// PublishDependency is a dependency as sent by cargo in the publish request.
// When a dependency is renamed in Cargo.toml, Name is the real package name
// and ExplicitNameInToml is the local alias.
type PublishDependency struct {
	Name               string         `json:"name"`
	VersionReq         string         `json:"version_req"`
	Features           []string       `json:"features"`
	Optional           bool           `json:"optional"`
	DefaultFeatures    bool           `json:"default_features"`
	Target             *string        `json:"target"`
	Kind               DependencyKind `json:"kind"`
	Registry           *string        `json:"registry"`
	ExplicitNameInToml *string        `json:"explicit_name_in_toml"`
}

// CrateMeta is the JSON metadata cargo sends when publishing a crate.
type CrateMeta struct {
	Name          string                       `json:"name"`
	Vers          string                       `json:"vers"`
	Deps          []PublishDependency          `json:"deps"`
	Features      map[string][]string          `json:"features"`
	Authors       []string                     `json:"authors"`
	Description   *string                      `json:"description"`
	Documentation *string                      `json:"documentation"`
	Homepage      *string                      `json:"homepage"`
	Readme        *string                      `json:"readme"`
	ReadmeFile    *string                      `json:"readme_file"`
	Keywords      []string                     `json:"keywords"`
	Categories    []string                     `json:"categories"`
	License       *string                      `json:"license"`
	LicenseFile   *string                      `json:"license_file"`
	Repository    *string                      `json:"repository"`
	Badges        map[string]map[string]string `json:"badges"`
	Links         *string                      `json:"links"`
	RustVersion   *string                      `json:"rust_version"`
}

// DescriptionText returns the description, or "" when none was given.
func (m *CrateMeta) DescriptionText() string {
	if m.Description == nil {
		return ""
	}
	return *m.Description
}

// Dependency is a dependency as it appears in an index entry. When the
// dependency was renamed, Name is the alias and Package the real name.
type Dependency struct {
	Name            string         `json:"name"`
	Req             string         `json:"req"`
	Features        []string       `json:"features"`
	Optional        bool           `json:"optional"`
	DefaultFeatures bool           `json:"default_features"`
	Target          *string        `json:"target"`
	Kind            DependencyKind `json:"kind"`
	Registry        *string        `json:"registry"`
	Package         *string        `json:"package,omitempty"`
}

// VersionEntry is one published version of one crate, in the line format of
// the Cargo sparse index.
type VersionEntry struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []Dependency        `json:"deps"`
	Cksum       string              `json:"cksum"`
	Features    map[string][]string `json:"features"`
	Yanked      bool                `json:"yanked"`
	Links       *string             `json:"links"`
	V           int                 `json:"v,omitempty"`
	Features2   map[string][]string `json:"features2,omitempty"`
	RustVersion *string             `json:"rust_version,omitempty"`
}

// SemVer parses the entry's version.
func (e *VersionEntry) SemVer() (*semver.Version, error) {
	return semver.StrictNewVersion(e.Vers)
}

// Clone returns a deep copy of the entry.
func (e VersionEntry) Clone() VersionEntry {
	cp := e
	cp.Deps = make([]Dependency, len(e.Deps))
	for i, d := range e.Deps {
		d.Features = slices.Clone(d.Features)
		d.Target = clonePtr(d.Target)
		d.Registry = clonePtr(d.Registry)
		d.Package = clonePtr(d.Package)
		cp.Deps[i] = d
	}
	cp.Features = cloneFeatures(e.Features)
	if e.Features2 != nil {
		cp.Features2 = cloneFeatures(e.Features2)
	}
	cp.Links = clonePtr(e.Links)
	cp.RustVersion = clonePtr(e.RustVersion)
	return cp
}

// Release is what the index holds for a published version: the entry plus
// the fields needed to answer search and download queries without touching
// the object store.
type Release struct {
	Entry       VersionEntry
	Description string
	ArchiveSize int64
}

// Clone returns a deep copy of the release.
func (r Release) Clone() Release {
	r.Entry = r.Entry.Clone()
	return r
}

// Summary is one row of a search result.
type Summary struct {
	Name        string `json:"name"`
	MaxVersion  string `json:"max_version"`
	Description string `json:"description"`
}

// Entry converts publish metadata into the index entry for that version.
// The checksum is always the server-computed digest of the archive.
func (m *CrateMeta) Entry(cksum string) VersionEntry {
	deps := make([]Dependency, 0, len(m.Deps))
	for _, d := range m.Deps {
		dep := Dependency{
			Name:            d.Name,
			Req:             d.VersionReq,
			Features:        nonNil(d.Features),
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          clonePtr(d.Target),
			Kind:            d.Kind,
			Registry:        clonePtr(d.Registry),
		}
		if dep.Kind == "" {
			dep.Kind = KindNormal
		}
		if d.ExplicitNameInToml != nil && *d.ExplicitNameInToml != "" {
			pkg := d.Name
			dep.Name = *d.ExplicitNameInToml
			dep.Package = &pkg
		}
		deps = append(deps, dep)
	}

	features, features2 := splitFeatures(m.Features)
	e := VersionEntry{
		Name:        m.Name,
		Vers:        m.Vers,
		Deps:        deps,
		Cksum:       cksum,
		Features:    features,
		Links:       clonePtr(m.Links),
		RustVersion: clonePtr(m.RustVersion),
	}
	if len(features2) > 0 {
		e.Features2 = features2
		e.V = IndexFormatVersion
	}
	return e
}

// splitFeatures moves features using the "dep:" or "pkg?/feat" syntax into
// features2, which older cargo versions skip.
func splitFeatures(in map[string][]string) (features, features2 map[string][]string) {
	features = make(map[string][]string, len(in))
	features2 = make(map[string][]string)
	for name, values := range in {
		v := nonNil(slices.Clone(values))
		if usesNewSyntax(values) {
			features2[name] = v
		} else {
			features[name] = v
		}
	}
	return features, features2
}

func usesNewSyntax(values []string) bool {
	for _, v := range values {
		if strings.HasPrefix(v, "dep:") || strings.Contains(v, "?/") {
			return true
		}
	}
	return false
}

func cloneFeatures(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = nonNil(slices.Clone(v))
	}
	return out
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// normalize replaces nil collections with empty ones so that an entry and
// its decoded JSON form compare equal.
func (e *VersionEntry) normalize() {
	if e.Deps == nil {
		e.Deps = []Dependency{}
	}
	for i := range e.Deps {
		e.Deps[i].Features = nonNil(e.Deps[i].Features)
	}
	if e.Features == nil {
		e.Features = map[string][]string{}
	}
	for k, v := range e.Features {
		e.Features[k] = nonNil(v)
	}
	if len(e.Features2) == 0 {
		e.Features2 = nil
	}
}

func (m *CrateMeta) normalize() {
	if m.Deps == nil {
		m.Deps = []PublishDependency{}
	}
	if m.Features == nil {
		m.Features = map[string][]string{}
	}
	m.Authors = nonNil(m.Authors)
	m.Keywords = nonNil(m.Keywords)
	m.Categories = nonNil(m.Categories)
	if m.Badges == nil {
		m.Badges = map[string]map[string]string{}
	}
}
