package crate

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// SidecarFormat is the current metadata sidecar format version.
const SidecarFormat = 1

// Sidecar is the JSON object stored next to every archive. Entry is the
// authoritative index entry; Meta is the metadata exactly as published.
type Sidecar struct {
	Format      int          `json:"format"`
	Entry       VersionEntry `json:"entry"`
	Meta        CrateMeta    `json:"meta"`
	ArchiveSize int64        `json:"archive_size"`
	PublishedAt time.Time    `json:"published_at"`
}

// Release returns the index release described by the sidecar.
func (s *Sidecar) Release() Release {
	return Release{
		Entry:       s.Entry.Clone(),
		Description: s.Meta.DescriptionText(),
		ArchiveSize: s.ArchiveSize,
	}
}

// EncodeSidecar serializes a sidecar.
func EncodeSidecar(s *Sidecar) ([]byte, error) {
	cp := *s
	if cp.Format == 0 {
		cp.Format = SidecarFormat
	}
	cp.Entry = s.Entry.Clone()
	cp.Entry.normalize()
	cp.Meta.normalize()
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encoding sidecar for %s %s: %w", s.Entry.Name, s.Entry.Vers, err)
	}
	return data, nil
}

// DecodeSidecar parses a sidecar and checks that it is complete enough to be
// inserted into the index.
func DecodeSidecar(data []byte) (*Sidecar, error) {
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding sidecar: %w", err)
	}
	if s.Format > SidecarFormat {
		return nil, fmt.Errorf("unsupported sidecar format %d", s.Format)
	}
	if err := ValidateName(s.Entry.Name); err != nil {
		return nil, err
	}
	if _, err := ParseVersion(s.Entry.Vers); err != nil {
		return nil, err
	}
	if s.Entry.Cksum == "" {
		return nil, fmt.Errorf("sidecar for %s %s has no checksum", s.Entry.Name, s.Entry.Vers)
	}
	s.Entry.normalize()
	s.Meta.normalize()
	return &s, nil
}

// WriteNDJSON writes one JSON object per line, the framing cargo expects for
// sparse index files.
func WriteNDJSON(w io.Writer, entries []VersionEntry) error {
	enc := json.NewEncoder(w)
	for i := range entries {
		e := entries[i].Clone()
		e.normalize()
		if err := enc.Encode(&e); err != nil {
			return fmt.Errorf("encoding index line for %s %s: %w", e.Name, e.Vers, err)
		}
	}
	return nil
}
