package crate

import (
	"github.com/Masterminds/semver/v3"

	regerr "github.com/lagret/lagret/internal/errors"
)

// MaxNameLength is the longest crate name accepted, matching crates.io.
const MaxNameLength = 64

// ValidateName checks a crate name against the rules cargo enforces: ASCII
// letters, digits, '-' and '_', starting with a letter, at most 64 bytes.
func ValidateName(name string) error {
	if name == "" {
		return regerr.Invalid("name", "crate name must not be empty")
	}
	if len(name) > MaxNameLength {
		return regerr.Invalid("name", "crate name %q exceeds %d characters", name, MaxNameLength)
	}
	if !isASCIILetter(name[0]) {
		return regerr.Invalid("name", "crate name %q must start with a letter", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isASCIILetter(c) && !(c >= '0' && c <= '9') && c != '-' && c != '_' {
			return regerr.Invalid("name", "crate name %q contains invalid character %q", name, c)
		}
	}
	return nil
}

// ParseVersion parses a strict semantic version (MAJOR.MINOR.PATCH with
// optional pre-release and build metadata, no "v" prefix).
func ParseVersion(vers string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(vers)
	if err != nil {
		return nil, regerr.Invalid("version", "%q is not a valid semantic version: %v", vers, err)
	}
	return v, nil
}

// Validate checks the publish metadata fields the registry depends on.
func (m *CrateMeta) Validate() error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	if _, err := ParseVersion(m.Vers); err != nil {
		return err
	}
	for _, d := range m.Deps {
		if d.Name == "" {
			return regerr.Invalid("deps", "dependency with empty name")
		}
		if d.Kind != "" && !d.Kind.Valid() {
			return regerr.Invalid("deps", "dependency %s has unknown kind %q", d.Name, d.Kind)
		}
		if d.VersionReq != "" {
			if _, err := semver.NewConstraint(d.VersionReq); err != nil {
				return regerr.Invalid("deps", "dependency %s has invalid requirement %q", d.Name, d.VersionReq)
			}
		}
	}
	return nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
