package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/lagret/lagret/internal/crate"
	regerr "github.com/lagret/lagret/internal/errors"
	"github.com/lagret/lagret/internal/keys"
	"github.com/lagret/lagret/internal/registry"
	"github.com/lagret/lagret/internal/storage"
)

// newTestHandler returns a router serving a CrateHandler over an in-memory
// store, and the registry behind it.
func newTestHandler(t *testing.T, maxPublishSize int64) (http.Handler, *registry.Registry) {
	t.Helper()
	store, err := storage.NewMemoryStore(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	reg := registry.New(store)
	r := chi.NewRouter()
	NewCrateHandler(reg, maxPublishSize).Routes(r)
	return r, reg
}

func strPtr(s string) *string { return &s }

func publishBody(t *testing.T, name, vers string, archive []byte) []byte {
	t.Helper()
	meta := &crate.CrateMeta{
		Name:        name,
		Vers:        vers,
		Description: strPtr("a test crate"),
		License:     strPtr("MIT"),
		Deps: []crate.PublishDependency{
			{Name: "log", VersionReq: "^0.4", Kind: crate.KindNormal, DefaultFeatures: true},
		},
		Features: map[string][]string{"default": {}},
	}
	body, err := EncodePublish(meta, archive)
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}
	return body
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrors(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	var details []string
	for _, e := range resp.Errors {
		details = append(details, e.Detail)
	}
	return details
}

func TestPublishEndpoint(t *testing.T) {
	h, reg := newTestHandler(t, 0)

	rec := do(t, h, http.MethodPut, "/api/v1/crates/new", publishBody(t, "demo", "0.1.0", []byte("crate-bytes")))
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d, body %s", rec.Code, rec.Body)
	}
	var resp publishResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding publish response: %v", err)
	}
	want := registry.Warnings{InvalidCategories: []string{}, InvalidBadges: []string{}, Other: []string{}}
	if diff := cmp.Diff(want, resp.Warnings); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
	if _, err := reg.GetVersions("demo"); err != nil {
		t.Errorf("published crate not indexed: %v", err)
	}

	rec = do(t, h, http.MethodPut, "/api/v1/crates/new", publishBody(t, "demo", "0.1.0", []byte("again")))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate publish status = %d, want 409", rec.Code)
	}
	if details := decodeErrors(t, rec); len(details) != 1 || !strings.Contains(details[0], "already published") {
		t.Errorf("conflict details = %v", details)
	}
}

func TestPublishEndpointRejects(t *testing.T) {
	valid := publishBody(t, "demo", "0.1.0", []byte("crate-bytes"))

	tests := []struct {
		name       string
		body       []byte
		maxSize    int64
		wantStatus int
	}{
		{"empty body", nil, 0, http.StatusBadRequest},
		{"short length", []byte{1, 0}, 0, http.StatusBadRequest},
		{"metadata length overflows", []byte{0xff, 0xff, 0, 0, '{', '}'}, 0, http.StatusBadRequest},
		{"trailing bytes", append(bytes.Clone(valid), 'x'), 0, http.StatusBadRequest},
		{"truncated archive", valid[:len(valid)-3], 0, http.StatusBadRequest},
		{"malformed json", frame([]byte("{nope"), []byte("x")), 0, http.StatusBadRequest},
		{"invalid name", publishBody(t, "9lives", "1.0.0", []byte("x")), 0, http.StatusBadRequest},
		{"invalid version", publishBody(t, "demo", "one", []byte("x")), 0, http.StatusBadRequest},
		{"too large", valid, 16, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, reg := newTestHandler(t, tt.maxSize)
			rec := do(t, h, http.MethodPut, "/api/v1/crates/new", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if len(decodeErrors(t, rec)) != 1 {
				t.Error("expected exactly one error detail")
			}
			if c, _ := reg.Index().Len(); c != 0 {
				t.Error("rejected publish reached the index")
			}
		})
	}
}

func TestPublishTooLargeWithoutContentLength(t *testing.T) {
	h, _ := newTestHandler(t, 16)
	body := publishBody(t, "demo", "0.1.0", []byte("crate-bytes"))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", io.MultiReader(bytes.NewReader(body)))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func frame(meta, archive []byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(meta)))
	out = append(out, meta...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(archive)))
	return append(out, archive...)
}

func TestDecodePublish(t *testing.T) {
	meta := &crate.CrateMeta{Name: "roundtrip", Vers: "1.0.0", Keywords: []string{"a"}}
	body, err := EncodePublish(meta, []byte("tar"))
	if err != nil {
		t.Fatal(err)
	}
	got, archive, err := DecodePublish(body)
	if err != nil {
		t.Fatalf("DecodePublish: %v", err)
	}
	if got.Name != "roundtrip" || got.Vers != "1.0.0" || string(archive) != "tar" {
		t.Errorf("decoded %s %s with archive %q", got.Name, got.Vers, archive)
	}

	_, _, err = DecodePublish(frame([]byte(`{}`), nil)[:6])
	if !errors.Is(err, regerr.ErrInvalid) {
		t.Errorf("truncated body error = %v, want ErrInvalid", err)
	}
}

func TestDownloadEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	archive := []byte("the archive payload")
	if rec := do(t, h, http.MethodPut, "/api/v1/crates/new", publishBody(t, "dl-me", "1.2.3", archive)); rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/crates/dl-me/1.2.3/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, body %s", rec.Code, rec.Body)
	}
	if !bytes.Equal(rec.Body.Bytes(), archive) {
		t.Errorf("download body = %q", rec.Body.Bytes())
	}
	if got := rec.Header().Get("Content-Length"); got != "19" {
		t.Errorf("Content-Length = %q, want 19", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/x-tar" {
		t.Errorf("Content-Type = %q", got)
	}

	for _, path := range []string{
		"/api/v1/crates/dl-me/9.9.9/download",
		"/api/v1/crates/missing/1.0.0/download",
	} {
		rec := do(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

// sizelessStore reports every object size as unknown.
type sizelessStore struct {
	storage.ObjectStore
}

func (s sizelessStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, _, err := s.ObjectStore.Get(ctx, key)
	return rc, -1, err
}

func TestDownloadEndpointUnknownSize(t *testing.T) {
	mem, err := storage.NewMemoryStore(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	reg := registry.New(sizelessStore{mem})
	r := chi.NewRouter()
	NewCrateHandler(reg, 0).Routes(r)

	// An index entry without a recorded size, as an early sidecar leaves.
	archive := []byte("archive of unknown size")
	meta := &crate.CrateMeta{Name: "legacy", Vers: "0.1.0"}
	if err := mem.Put(context.Background(), keys.ArchiveKey("legacy", "0.1.0"), archive); err != nil {
		t.Fatal(err)
	}
	if err := reg.Index().Insert(crate.Release{Entry: meta.Entry(registry.Checksum(archive))}); err != nil {
		t.Fatal(err)
	}

	rec := do(t, r, http.MethodGet, "/api/v1/crates/legacy/0.1.0/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Length"); got == "0" {
		t.Error("Content-Length is 0 for a non-empty archive")
	}
	if !bytes.Equal(rec.Body.Bytes(), archive) {
		t.Errorf("download body = %q", rec.Body.Bytes())
	}
}

func TestIndexFileEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	publishes := []struct{ name, vers string }{
		{"a", "1.0.0"},
		{"ab", "1.0.0"},
		{"abc", "1.0.0"},
		{"Serde", "1.0.0"},
		{"Serde", "1.0.1"},
	}
	for _, p := range publishes {
		if rec := do(t, h, http.MethodPut, "/api/v1/crates/new", publishBody(t, p.name, p.vers, []byte(p.name+p.vers))); rec.Code != http.StatusOK {
			t.Fatalf("publish %s %s status = %d, body %s", p.name, p.vers, rec.Code, rec.Body)
		}
	}

	tests := []struct {
		path       string
		wantStatus int
		wantLines  int
	}{
		{"/1/a", http.StatusOK, 1},
		{"/2/ab", http.StatusOK, 1},
		{"/3/a/abc", http.StatusOK, 1},
		{"/se/rd/serde", http.StatusOK, 2},
		{"/se/rd/Serde", http.StatusOK, 2},
		{"/xx/rd/serde", http.StatusNotFound, 0},
		{"/3/b/abc", http.StatusNotFound, 0},
		{"/1/ab", http.StatusNotFound, 0},
		{"/to/ki/tokio", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				decodeErrors(t, rec)
				return
			}
			lines := 0
			sc := bufio.NewScanner(rec.Body)
			for sc.Scan() {
				var e crate.VersionEntry
				if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
					t.Fatalf("line %d is not JSON: %v", lines, err)
				}
				if e.Cksum == "" || e.Yanked {
					t.Errorf("unexpected entry %+v", e)
				}
				lines++
			}
			if lines != tt.wantLines {
				t.Errorf("got %d lines, want %d", lines, tt.wantLines)
			}
		})
	}
}

func TestWriteErrorMapsTaxonomy(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{&regerr.NotFoundError{Name: "x"}, http.StatusNotFound},
		{&regerr.ConflictError{Name: "x", Version: "1.0.0"}, http.StatusConflict},
		{regerr.Invalid("name", "bad"), http.StatusBadRequest},
		{&regerr.StorageError{Op: "put", Err: context.DeadlineExceeded}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		if rec.Code != tt.wantStatus {
			t.Errorf("WriteError(%v) status = %d, want %d", tt.err, rec.Code, tt.wantStatus)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		details := decodeErrors(t, rec)
		if tt.wantStatus == http.StatusInternalServerError && strings.Contains(details[0], "deadline") {
			t.Errorf("storage details leaked to the client: %q", details[0])
		}
	}
}
