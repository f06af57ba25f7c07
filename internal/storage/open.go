package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenk/backoff"

	"github.com/lagret/lagret/internal/config"
)

// Open creates the object store selected by cfg.Storage.Backend.
// Cloud stores verify that their bucket or container is reachable.
func Open(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	s := cfg.Storage
	switch s.Backend {
	case "memory":
		store, err := NewMemoryStore(s.Memory.MaxSizeBytes, s.Memory.SnapshotPath, cfg.SnapshotInterval())
		if err != nil {
			return nil, err
		}
		slog.Info("Object store initialized", "backend", "memory", "snapshot", s.Memory.SnapshotPath)
		return store, nil

	case "local":
		store, err := NewLocalStore(s.Local.RootDir)
		if err != nil {
			return nil, err
		}
		// Every startup is recovery: drop temp files of interrupted writes.
		if err := store.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Object store initialized", "backend", "local", "root", s.Local.RootDir)
		return store, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(s.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		store, err := NewSQLiteStore(s.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Object store initialized", "backend", "sqlite", "path", s.SQLite.Path)
		return store, nil

	case "aws":
		region := s.AWS.Region
		if region == "" {
			region = "us-east-1"
		}
		store, err := NewAWSStore(ctx, AWSOptions{
			Bucket:          s.AWS.Bucket,
			Region:          region,
			Prefix:          s.AWS.Prefix,
			EndpointURL:     s.AWS.EndpointURL,
			UsePathStyle:    s.AWS.UsePathStyle,
			AccessKeyID:     s.AWS.AccessKeyID,
			SecretAccessKey: s.AWS.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case "gcp":
		store, err := NewGCPStore(ctx, s.GCP.Bucket, s.GCP.Prefix)
		if err != nil {
			return nil, err
		}
		return store, nil

	case "azure":
		store, err := NewAzureStore(ctx, AzureOptions{
			Container:          s.Azure.Container,
			AccountURL:         s.Azure.AccountURL,
			Prefix:             s.Azure.Prefix,
			ConnectionString:   s.Azure.ConnectionString,
			UseManagedIdentity: s.Azure.UseManagedIdentity,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

// OpenWithRetry opens the store and waits until it answers a health check,
// retrying with exponential backoff for up to cfg.StartupWait().
func OpenWithRetry(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	return openWithRetry(ctx, cfg.StartupWait(), func() (ObjectStore, error) {
		return Open(ctx, cfg)
	})
}

func openWithRetry(ctx context.Context, wait time.Duration, open func() (ObjectStore, error)) (ObjectStore, error) {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if wait > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 250 * time.Millisecond
		exp.MaxInterval = 10 * time.Second
		exp.MaxElapsedTime = wait
		exp.Reset()
		b = exp
	}

	var store ObjectStore
	attempt := func() error {
		s, err := open()
		if err != nil {
			return err
		}
		if err := s.HealthCheck(ctx); err != nil {
			closeStore(s)
			return fmt.Errorf("health check: %w", err)
		}
		store = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("Object store not ready, retrying", "error", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("object store unavailable: %w", err)
	}
	return store, nil
}

// closeStore releases a store's resources if it holds any.
func closeStore(s ObjectStore) {
	if err := Close(s); err != nil {
		slog.Warn("Closing object store", "error", err)
	}
}

// Close releases a store's resources if it holds any.
func Close(s ObjectStore) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
