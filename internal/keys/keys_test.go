package keys

import (
	"errors"
	"testing"
)

func TestForLayout(t *testing.T) {
	tests := []struct {
		name, version string
		kind          Kind
		want          string
	}{
		{"serde", "1.0.0", Archive, "crates/serde/1.0.0/serde-1.0.0.crate"},
		{"serde", "1.0.0", Metadata, "crates/serde/1.0.0/serde-1.0.0.json"},
		{"serde-json", "1.0.0-rc.1", Archive, "crates/serde-json/1.0.0-rc.1/serde-json-1.0.0-rc.1.crate"},
		{"a_b", "0.1.0+build.5", Metadata, "crates/a_b/0.1.0+build.5/a_b-0.1.0+build.5.json"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := For(tt.name, tt.version, tt.kind); got != tt.want {
				t.Errorf("For() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Key{
		{"serde", "1.0.0", Archive},
		{"serde", "1.0.0", Metadata},
		{"serde-json", "1.0.0-alpha.1", Archive},
		{"my-crate-2", "2.0.0-2", Metadata},
		{"x", "0.0.1", Archive},
	}
	for _, k := range cases {
		t.Run(k.String(), func(t *testing.T) {
			got, err := Parse(k.String())
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", k.String(), err)
			}
			if got != k {
				t.Errorf("Parse(%q) = %+v, want %+v", k.String(), got, k)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"crates",
		"crates/serde/1.0.0",
		"other/serde/1.0.0/serde-1.0.0.crate",
		"crates/serde/1.0.0/serde-1.0.1.crate",
		"crates/serde/1.0.0/serde-1.0.0.txt",
		"crates/serde/1.0.0/extra/serde-1.0.0.crate",
		"crates//1.0.0/-1.0.0.crate",
		"crates/../1.0.0/..-1.0.0.crate",
		"crates/serde/1.0.0/serde_1.0.0.json",
	}
	for _, key := range bad {
		t.Run(key, func(t *testing.T) {
			_, err := Parse(key)
			if !errors.Is(err, ErrUnrecognized) {
				t.Errorf("Parse(%q) error = %v, want ErrUnrecognized", key, err)
			}
		})
	}
}

func TestCratePrefixCoversKeys(t *testing.T) {
	p := CratePrefix("serde")
	if p != "crates/serde/" {
		t.Errorf("CratePrefix = %q", p)
	}
	if k := ArchiveKey("serde", "1.0.0"); k[:len(p)] != p {
		t.Errorf("archive key %q not under prefix %q", k, p)
	}
}

func TestIndexPath(t *testing.T) {
	tests := []struct{ name, want string }{
		{"", ""},
		{"a", "1/a"},
		{"ab", "2/ab"},
		{"abc", "3/a/abc"},
		{"abcd", "ab/cd/abcd"},
		{"Serde", "se/rd/serde"},
		{"cargo-edit", "ca/rg/cargo-edit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IndexPath(tt.name); got != tt.want {
				t.Errorf("IndexPath(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	if Archive.String() != "archive" || Metadata.String() != "metadata" {
		t.Errorf("unexpected kind names: %s %s", Archive, Metadata)
	}
	if Kind(9).Ext() != "" {
		t.Error("unknown kind should have no extension")
	}
}
