package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// exerciseStore runs the behavior every ObjectStore must share.
func exerciseStore(t *testing.T, s ObjectStore) {
	t.Helper()
	ctx := context.Background()

	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	keys := []string{
		"crates/serde/1.0.0/serde-1.0.0.crate",
		"crates/serde/1.0.0/serde-1.0.0.json",
		"crates/serde/1.0.1/serde-1.0.1.crate",
		"crates/rand/0.8.5/rand-0.8.5.json",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, []byte("data:"+k)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}
	if err := s.Put(ctx, "other/file.txt", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, size, err := s.Get(ctx, keys[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "data:"+keys[0] || size != int64(len(data)) {
		t.Errorf("Get = %q (%d bytes)", data, size)
	}

	if err := s.Put(ctx, keys[0], []byte("replaced")); err != nil {
		t.Fatalf("overwriting Put failed: %v", err)
	}
	got, err := ReadAll(ctx, s, keys[0])
	if err != nil || string(got) != "replaced" {
		t.Errorf("ReadAll after overwrite = %q, %v", got, err)
	}

	if err := s.Put(ctx, "crates/empty/0.1.0/empty-0.1.0.crate", nil); err != nil {
		t.Fatalf("Put empty failed: %v", err)
	}
	if got, err := ReadAll(ctx, s, "crates/empty/0.1.0/empty-0.1.0.crate"); err != nil || len(got) != 0 {
		t.Errorf("empty object = %q, %v", got, err)
	}

	if _, _, err := s.Get(ctx, "crates/nope/1.0.0/nope-1.0.0.crate"); !IsNotFound(err) {
		t.Errorf("Get missing error = %v, want ErrObjectNotFound", err)
	}

	listed, err := s.List(ctx, "crates/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{
		"crates/empty/0.1.0/empty-0.1.0.crate",
		"crates/rand/0.8.5/rand-0.8.5.json",
		"crates/serde/1.0.0/serde-1.0.0.crate",
		"crates/serde/1.0.0/serde-1.0.0.json",
		"crates/serde/1.0.1/serde-1.0.1.crate",
	}
	if diff := cmp.Diff(want, listed); diff != "" {
		t.Errorf("List(crates/) mismatch (-want +got):\n%s", diff)
	}

	listed, err = s.List(ctx, "crates/serde/1.0.0/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("List(crates/serde/1.0.0/) = %v, want 2 keys", listed)
	}

	listed, err = s.List(ctx, "nothing/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("List(nothing/) = %v, want empty", listed)
	}
}

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return s
}

func TestLocalStore(t *testing.T) {
	exerciseStore(t, newTestLocalStore(t))
}

func TestMemoryStore(t *testing.T) {
	s, err := NewMemoryStore(0, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "a//b", ".tmp/x", ".tmp"} {
		if err := s.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}

func TestLocalStoreListSkipsTempFiles(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()

	stale := filepath.Join(s.RootDir, localTempDir, "tmp-stale")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "crates/a/1.0.0/a-1.0.0.crate", []byte("x")); err != nil {
		t.Fatal(err)
	}

	keys, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if diff := cmp.Diff([]string{"crates/a/1.0.0/a-1.0.0.crate"}, keys); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	if err := s.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temp file still present: %v", err)
	}
}

func TestLocalStoreGetDirectoryIsNotFound(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "crates/a/1.0.0/a-1.0.0.crate", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "crates/a"); !IsNotFound(err) {
		t.Errorf("Get(directory) error = %v, want ErrObjectNotFound", err)
	}
}

func TestMemoryStoreLimit(t *testing.T) {
	s, err := NewMemoryStore(10, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "a", []byte("12345678")); err != nil {
		t.Fatalf("Put within limit failed: %v", err)
	}
	if err := s.Put(ctx, "b", []byte("123")); err == nil {
		t.Error("Put over limit succeeded")
	}
	// Replacing shrinks the accounted size.
	if err := s.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("shrinking Put failed: %v", err)
	}
	if err := s.Put(ctx, "b", []byte("123")); err != nil {
		t.Errorf("Put after shrink failed: %v", err)
	}
}

func TestMemoryStoreSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap", "memory.db")
	ctx := context.Background()

	s, err := NewMemoryStore(0, path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "crates/a/1.0.0/a-1.0.0.crate", []byte("archive")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restored, err := NewMemoryStore(0, path, 0)
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer restored.Close()

	got, err := ReadAll(ctx, restored, "crates/a/1.0.0/a-1.0.0.crate")
	if err != nil || string(got) != "archive" {
		t.Errorf("restored object = %q, %v", got, err)
	}
}

func TestMemoryStoreCloseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := NewMemoryStore(0, path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct{ in, want string }{
		{"crates/", "crates0"},
		{"a", "b"},
		{"a\xff", "b"},
	}
	for _, tt := range tests {
		if got := prefixEnd(tt.in); got != tt.want {
			t.Errorf("prefixEnd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"crates/a/1.0.0/a-1.0.0.crate": "application/x-tar",
		"crates/a/1.0.0/a-1.0.0.json":  "application/json",
		"other":                        "application/octet-stream",
	}
	for key, want := range tests {
		if got := contentTypeFor(key); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", key, got, want)
		}
	}
}
