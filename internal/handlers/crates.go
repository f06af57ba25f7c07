// Package handlers implements the HTTP handlers of the Cargo registry API
// that carry raw bodies: publish, download and the sparse index files.
package handlers

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/keys"
	"github.com/lagret/lagret/internal/registry"
)

// CrateHandler serves crate publishes, downloads and index files.
type CrateHandler struct {
	reg            *registry.Registry
	maxPublishSize int64
}

// NewCrateHandler creates a CrateHandler. A maxPublishSize of zero or less
// disables the publish size limit.
func NewCrateHandler(reg *registry.Registry, maxPublishSize int64) *CrateHandler {
	return &CrateHandler{reg: reg, maxPublishSize: maxPublishSize}
}

// Download handles GET /api/v1/crates/{name}/{version}/download.
func (h *CrateHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")

	rc, dl, err := h.reg.OpenDownload(r.Context(), name, version)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-tar")
	// Published archives are never empty, so zero means the size is unknown.
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Name+"-"+dl.Version+`.crate"`)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are already sent; all we can do is log.
		slog.Warn("Streaming crate download failed",
			"crate", dl.Name, "version", dl.Version, "error", err)
	}
}

// IndexFile handles the sparse index routes:
//
//	/1/{name}  /2/{name}  /3/{a}/{name}  /{ab}/{cd}/{name}
//
// The prefix directories must be the ones cargo derives from the name.
func (h *CrateHandler) IndexFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" || keys.IndexPath(name) != strings.ToLower(path) {
		WriteAPIError(w, regerr.ErrAPINotFound)
		return
	}

	// Cargo requests lowercased paths; serve the crate under its stored
	// spelling.
	stored, ok := h.reg.Index().Resolve(name)
	if !ok {
		WriteError(w, r, &regerr.NotFoundError{Name: name})
		return
	}
	entries, err := h.reg.GetVersions(stored)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := crate.WriteNDJSON(&buf, entries); err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Routes mounts the handlers on r.
func (h *CrateHandler) Routes(r chi.Router) {
	r.Put("/api/v1/crates/new", h.Publish)
	r.Get("/api/v1/crates/{name}/{version}/download", h.Download)

	r.Get("/1/{name}", h.IndexFile)
	r.Get("/2/{name}", h.IndexFile)
	r.Get("/3/{a}/{name}", h.IndexFile)
	r.Get("/{ab}/{cd}/{name}", h.IndexFile)
}
