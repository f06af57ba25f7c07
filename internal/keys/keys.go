// Package keys defines the object store key layout for published crates and
// the Cargo sparse index path layout.
//
// Object keys (layout version 1):
//
//	crates/<name>/<version>/<name>-<version>.crate   archive
//	crates/<name>/<version>/<name>-<version>.json    metadata sidecar
//
// For and Parse are inverses: Parse(For(n, v, k)) == Key{n, v, k} for every
// valid name and version.
package keys

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Prefix is the top-level directory for all crate objects.
	Prefix = "crates"
	// LayoutVersion identifies the key layout described in the package doc.
	LayoutVersion = 1
)

// ErrUnrecognized is returned by Parse for keys outside the layout.
var ErrUnrecognized = errors.New("key does not match crate layout")

// Kind identifies which artifact of a crate version a key refers to.
type Kind int

const (
	// Archive is the .crate tarball.
	Archive Kind = iota + 1
	// Metadata is the JSON sidecar describing the version.
	Metadata
)

// Ext returns the file extension, including the dot, for the kind.
func (k Kind) Ext() string {
	switch k {
	case Archive:
		return ".crate"
	case Metadata:
		return ".json"
	default:
		return ""
	}
}

func (k Kind) String() string {
	switch k {
	case Archive:
		return "archive"
	case Metadata:
		return "metadata"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Key is the decoded form of an object key.
type Key struct {
	Name    string
	Version string
	Kind    Kind
}

// String returns the object key.
func (k Key) String() string {
	return For(k.Name, k.Version, k.Kind)
}

// For returns the object key for the given crate version artifact.
func For(name, version string, kind Kind) string {
	return Prefix + "/" + name + "/" + version + "/" + name + "-" + version + kind.Ext()
}

// ArchiveKey returns the key of the .crate archive.
func ArchiveKey(name, version string) string {
	return For(name, version, Archive)
}

// MetadataKey returns the key of the metadata sidecar.
func MetadataKey(name, version string) string {
	return For(name, version, Metadata)
}

// CratePrefix returns the listing prefix covering every version of a crate.
func CratePrefix(name string) string {
	return Prefix + "/" + name + "/"
}

// Parse decodes an object key. The file name must agree with the directory
// segments, which makes the split unambiguous even for names containing '-'.
func Parse(key string) (Key, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != Prefix {
		return Key{}, fmt.Errorf("%w: %q", ErrUnrecognized, key)
	}
	name, version, file := parts[1], parts[2], parts[3]
	if !validSegment(name) || !validSegment(version) {
		return Key{}, fmt.Errorf("%w: %q", ErrUnrecognized, key)
	}

	stem := name + "-" + version
	for _, kind := range []Kind{Archive, Metadata} {
		if file == stem+kind.Ext() {
			return Key{Name: name, Version: version, Kind: kind}, nil
		}
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUnrecognized, key)
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".."
}

// IndexPath returns the sparse index path for a crate, relative to the index
// root. Cargo lowercases the whole path:
//
//	1/a, 2/ab, 3/a/abc, ab/cd/abcd...
func IndexPath(name string) string {
	n := strings.ToLower(name)
	switch len(n) {
	case 0:
		return ""
	case 1:
		return "1/" + n
	case 2:
		return "2/" + n
	case 3:
		return "3/" + n[:1] + "/" + n
	default:
		return n[:2] + "/" + n[2:4] + "/" + n
	}
}
