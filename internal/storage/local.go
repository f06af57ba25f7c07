package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lagret/lagret/internal/uid"
)

const localTempDir = ".tmp"

// LocalStore implements ObjectStore on the local filesystem. Each key is a
// file under RootDir; slashes in keys become directories.
type LocalStore struct {
	// RootDir is the base directory under which all objects are stored.
	RootDir string
}

// NewLocalStore creates a LocalStore rooted at rootDir, creating the root and
// its temp directory if needed.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, localTempDir)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// CleanTempFiles removes leftovers of writes interrupted by a crash. It is
// called once on startup.
func (s *LocalStore) CleanTempFiles() error {
	tmpDir := filepath.Join(s.RootDir, localTempDir)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// objectPath maps a key to its file, refusing keys that would escape the
// root or land in the temp directory.
func (s *LocalStore) objectPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid object key %q", key)
		}
	}
	if key == localTempDir || strings.HasPrefix(key, localTempDir+"/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.RootDir, filepath.FromSlash(key)), nil
}

func (s *LocalStore) tempPath() string {
	return filepath.Join(s.RootDir, localTempDir, "tmp-"+uid.New())
}

// Put writes data with the crash-only pattern: temp file, fsync, rename.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objPath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q: %w", key, err)
	}

	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing object data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// Get opens the object file. The caller closes it.
func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	objPath, err := s.objectPath(key)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, notFound(key)
		}
		return nil, 0, fmt.Errorf("opening object file %q: %w", key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat object file %q: %w", key, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, notFound(key)
	}
	return file, info.Size(), nil
}

// List walks the root and returns the keys under prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, err := filepath.Rel(s.RootDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			if key == localTempDir {
				return filepath.SkipDir
			}
			// Prune directories that cannot contain a match.
			if key != "." && !strings.HasPrefix(key+"/", prefix) && !strings.HasPrefix(prefix, key+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}

// HealthCheck verifies that the root directory is accessible.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(s.RootDir)
	return err
}

var _ ObjectStore = (*LocalStore)(nil)
