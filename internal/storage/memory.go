package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MemoryStore implements ObjectStore with an in-memory map. It optionally
// snapshots its contents to a SQLite file so data survives restarts.
type MemoryStore struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	currentSize  int64
	maxSizeBytes int64

	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	closeOnce        sync.Once
	closeErr         error
}

// NewMemoryStore creates a MemoryStore. A maxSizeBytes of zero means
// unlimited. When snapshotPath is set, an existing snapshot is loaded and, if
// snapshotInterval is positive, a background goroutine rewrites it
// periodically.
func NewMemoryStore(maxSizeBytes int64, snapshotPath string, snapshotInterval time.Duration) (*MemoryStore, error) {
	s := &MemoryStore{
		objects:          make(map[string][]byte),
		maxSizeBytes:     maxSizeBytes,
		snapshotPath:     snapshotPath,
		snapshotInterval: snapshotInterval,
		stopCh:           make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := s.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if snapshotInterval > 0 {
			s.wg.Add(1)
			go s.snapshotLoop()
		}
	}
	return s, nil
}

// Put stores a private copy of data under key.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := bytes.Clone(data)
	if cp == nil {
		cp = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delta := int64(len(cp))
	if existing, ok := s.objects[key]; ok {
		delta -= int64(len(existing))
	}
	if s.maxSizeBytes > 0 && s.currentSize+delta > s.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", s.currentSize, delta, s.maxSizeBytes)
	}

	s.objects[key] = cp
	s.currentSize += delta
	return nil
}

// Get returns a reader over the stored bytes. Stored slices are never
// mutated after Put, so the reader can share them.
func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, 0, notFound(key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// List returns the sorted keys under prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	slices.Sort(keys)
	return keys, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the snapshot goroutine and writes a final snapshot.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		if s.snapshotPath != "" {
			if err := s.writeSnapshot(); err != nil {
				s.closeErr = fmt.Errorf("writing final snapshot: %w", err)
			}
		}
	})
	return s.closeErr
}

func (s *MemoryStore) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeSnapshot(); err != nil {
				slog.Error("Memory store snapshot failed", "path", s.snapshotPath, "error", err)
			}
		}
	}
}

// loadSnapshot restores the map from the snapshot file. A missing file is a
// fresh start.
func (s *MemoryStore) loadSnapshot() error {
	if _, err := os.Stat(s.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", s.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'object_snapshots'`).Scan(&tables)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tables == 0 {
		return nil
	}

	rows, err := db.Query(`SELECT key, data FROM object_snapshots`)
	if err != nil {
		return fmt.Errorf("querying object snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return fmt.Errorf("scanning object snapshot row: %w", err)
		}
		if data == nil {
			data = []byte{}
		}
		s.objects[key] = data
		s.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot writes the current contents to a temporary SQLite file and
// renames it over the snapshot path.
func (s *MemoryStore) writeSnapshot() error {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.objects))
	for k, v := range s.objects {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := s.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	if err := writeSnapshotFile(tmpPath, snapshot); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	return nil
}

func writeSnapshotFile(path string, objects map[string][]byte) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	defer db.Close()

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE object_snapshots (
			key  TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO object_snapshots (key, data) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing object insert: %w", err)
	}

	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if _, err := stmt.Exec(k, objects[k]); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("inserting object snapshot for %q: %w", k, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot transaction: %w", err)
	}
	return db.Close()
}

var _ ObjectStore = (*MemoryStore)(nil)
