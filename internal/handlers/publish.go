package handlers

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/registry"
)

// publishResponse is the success body of a publish.
type publishResponse struct {
	Warnings registry.Warnings `json:"warnings"`
}

// Publish handles PUT /api/v1/crates/new.
//
// The body is framed as:
//
//	u32le json_len | json metadata | u32le crate_len | .crate archive
func (h *CrateHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if h.maxPublishSize > 0 && r.ContentLength > h.maxPublishSize {
		WriteAPIError(w, regerr.ErrAPITooLarge)
		return
	}

	body := r.Body
	if h.maxPublishSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxPublishSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteAPIError(w, regerr.ErrAPITooLarge)
			return
		}
		slog.Warn("Reading publish body failed", "error", err)
		WriteAPIError(w, regerr.ErrAPIBadRequest.WithDetail("failed to read request body"))
		return
	}

	meta, archive, err := DecodePublish(data)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.reg.Publish(r.Context(), meta, archive)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{Warnings: res.Warnings})
}

// DecodePublish splits a publish body into the crate metadata and the
// archive bytes. The lengths must account for the whole body.
func DecodePublish(data []byte) (*crate.CrateMeta, []byte, error) {
	metaJSON, rest, err := readFrame(data, "metadata")
	if err != nil {
		return nil, nil, err
	}
	archive, rest, err := readFrame(rest, "crate")
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, regerr.Invalid("body", "%d unexpected bytes after the crate archive", len(rest))
	}

	var meta crate.CrateMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, regerr.Invalid("metadata", "malformed JSON: %v", err)
	}
	return &meta, archive, nil
}

// readFrame reads one u32le length-prefixed section.
func readFrame(data []byte, what string) (frame, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, regerr.Invalid("body", "truncated %s length", what)
	}
	n := uint64(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if n > uint64(len(data)) {
		return nil, nil, regerr.Invalid("body", "%s length %d exceeds the %d bytes remaining", what, n, len(data))
	}
	return data[:n], data[n:], nil
}

// EncodePublish frames metadata and an archive the way cargo does. It is
// the inverse of DecodePublish.
func EncodePublish(meta *crate.CrateMeta, archive []byte) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 8+len(metaJSON)+len(archive))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(metaJSON)))
	out = append(out, metaJSON...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(archive)))
	out = append(out, archive...)
	return out, nil
}
