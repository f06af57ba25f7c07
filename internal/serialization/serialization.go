// Package serialization handles index export/import between the in-memory
// crate index and a JSON document.
package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	packageurl "github.com/package-url/packageurl-go"

	"github.com/lagret/lagret/internal/crate"
	"github.com/lagret/lagret/internal/index"
	"github.com/lagret/lagret/internal/keys"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// envelopeKey names the top-level object that identifies an export.
const envelopeKey = "lagret_export"

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ExportOptions configures an export.
type ExportOptions struct {
	// RegistryURL, when set, is recorded as the repository_url qualifier of
	// every purl so the export identifies which registry the crates came from.
	RegistryURL string
	// Now returns the export timestamp. Defaults to time.Now.
	Now func() time.Time
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Crates   int
	Versions int
	Skipped  int
	Warnings []string
}

// exportedVersion is one version in an export document.
type exportedVersion struct {
	Vers        string             `json:"vers"`
	Cksum       string             `json:"cksum"`
	PURL        string             `json:"purl"`
	ArchiveKey  string             `json:"archive_key"`
	Size        int64              `json:"size"`
	Description string             `json:"description"`
	Entry       crate.VersionEntry `json:"entry"`
}

type exportedCrate struct {
	Name     string            `json:"name"`
	Versions []exportedVersion `json:"versions"`
}

// PURL returns the package URL of one crate version, e.g.
// pkg:cargo/serde@1.0.0.
func PURL(name, version, registryURL string) string {
	var qualifiers packageurl.Qualifiers
	if registryURL != "" {
		qualifiers = packageurl.QualifiersFromMap(map[string]string{"repository_url": registryURL})
	}
	return packageurl.NewPackageURL(packageurl.TypeCargo, "", name, version, qualifiers, "").ToString()
}

// ExportIndex renders every release in idx as a JSON document with sorted
// keys. Crates are ordered by name and versions by semver precedence.
func ExportIndex(idx *index.Index, opts *ExportOptions) ([]byte, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	var crates []exportedCrate
	for _, rel := range idx.Releases() {
		name := rel.Entry.Name
		if len(crates) == 0 || crates[len(crates)-1].Name != name {
			crates = append(crates, exportedCrate{Name: name})
		}
		c := &crates[len(crates)-1]
		c.Versions = append(c.Versions, exportedVersion{
			Vers:        rel.Entry.Vers,
			Cksum:       rel.Entry.Cksum,
			PURL:        PURL(name, rel.Entry.Vers, opts.RegistryURL),
			ArchiveKey:  keys.ArchiveKey(name, rel.Entry.Vers),
			Size:        rel.ArchiveSize,
			Description: rel.Description,
			Entry:       rel.Entry,
		})
	}

	nCrates, nVersions := 0, 0
	rows := make([]any, 0, len(crates))
	for _, c := range crates {
		nCrates++
		nVersions += len(c.Versions)
		v, err := toValue(c)
		if err != nil {
			return nil, fmt.Errorf("encoding crate %s: %w", c.Name, err)
		}
		rows = append(rows, v)
	}

	result := map[string]any{
		envelopeKey: map[string]any{
			"version":     ExportVersion,
			"exported_at": now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"source":      "go/" + Version,
			"crates":      nCrates,
			"versions":    nVersions,
		},
		"crates": rows,
	}
	return marshalSorted(result)
}

// ImportIndex rebuilds an index from an export document, compressed or not.
// Versions whose purl does not match their entry, or that the index
// rejects, are skipped with a warning.
func ImportIndex(data []byte) (*index.Index, *ImportResult, error) {
	data, err := Decompress(data)
	if err != nil {
		return nil, nil, err
	}

	var doc struct {
		Envelope struct {
			Version int `json:"version"`
		} `json:"lagret_export"`
		Crates []exportedCrate `json:"crates"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Envelope.Version < 1 || doc.Envelope.Version > ExportVersion {
		return nil, nil, fmt.Errorf("unsupported export version: %v", doc.Envelope.Version)
	}

	idx := index.New()
	result := &ImportResult{}
	for _, c := range doc.Crates {
		inserted := 0
		for _, v := range c.Versions {
			if err := checkPURL(v); err != nil {
				result.Skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s %s: %v", c.Name, v.Vers, err))
				continue
			}
			rel := crate.Release{Entry: v.Entry, Description: v.Description, ArchiveSize: v.Size}
			if err := idx.Insert(rel); err != nil {
				result.Skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s %s: %v", c.Name, v.Vers, err))
				continue
			}
			inserted++
		}
		if inserted > 0 {
			result.Crates++
			result.Versions += inserted
		}
	}
	return idx, result, nil
}

// checkPURL ensures the purl, the version row and its entry agree.
func checkPURL(v exportedVersion) error {
	p, err := packageurl.FromString(v.PURL)
	if err != nil {
		return fmt.Errorf("invalid purl %q: %w", v.PURL, err)
	}
	if p.Type != packageurl.TypeCargo {
		return fmt.Errorf("purl type %q is not cargo", p.Type)
	}
	if p.Name != v.Entry.Name || p.Version != v.Entry.Vers || v.Vers != v.Entry.Vers {
		return fmt.Errorf("purl %s does not match entry %s %s", v.PURL, v.Entry.Name, v.Entry.Vers)
	}
	return nil
}

// WriteExport writes data to w, zstd-compressed when compress is set.
func WriteExport(w io.Writer, data []byte, compress bool) error {
	if !compress {
		_, err := w.Write(data)
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return fmt.Errorf("compressing export: %w", err)
	}
	return enc.Close()
}

// Decompress returns data unchanged unless it starts with a zstd frame.
func Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing export: %w", err)
	}
	return out, nil
}

// toValue converts v to the generic form json.Unmarshal produces, so that
// nested objects marshal with sorted keys too.
func toValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// marshalSorted produces JSON with sorted keys, 2-space indent. Every
// nested object is a map by now, and encoding/json sorts map keys.
func marshalSorted(data map[string]any) ([]byte, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
