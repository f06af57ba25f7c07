package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lagret.yaml", `
server:
  host: 127.0.0.1
  port: 8080
  public_url: https://crates.example.com/
  max_publish_size: 1048576
logging:
  level: debug
  format: json
storage:
  backend: aws
  aws:
    bucket: crates
    region: eu-north-1
    endpoint_url: http://localhost:9000
    use_path_style: true
registry:
  bootstrap_concurrency: 4
  search_max_per_page: 50
observability:
  metrics: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8080 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.PublicURL != "https://crates.example.com" {
		t.Errorf("PublicURL = %q, want trailing slash trimmed", cfg.Server.PublicURL)
	}
	if cfg.Server.MaxPublishSize != 1<<20 {
		t.Errorf("MaxPublishSize = %d", cfg.Server.MaxPublishSize)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Backend != "aws" || cfg.Storage.AWS.Bucket != "crates" || !cfg.Storage.AWS.UsePathStyle {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Registry.BootstrapConcurrency != 4 || cfg.Registry.SearchMaxPerPage != 50 {
		t.Errorf("registry = %+v", cfg.Registry)
	}
	if cfg.Registry.SearchDefaultPerPage != 10 {
		t.Errorf("SearchDefaultPerPage = %d, want default 10", cfg.Registry.SearchDefaultPerPage)
	}
	if cfg.Observability.Metrics {
		t.Error("metrics should be disabled")
	}
	if !cfg.Observability.HealthCheck {
		t.Error("health check should keep its default")
	}
	if cfg.ShutdownTimeout() != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout())
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeFile(t, dir, "empty.yaml", "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 3000 || cfg.Server.PublicURL != "http://localhost:3000" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Server.MaxPublishSize != DefaultMaxPublishSize {
		t.Errorf("MaxPublishSize = %d", cfg.Server.MaxPublishSize)
	}
	if cfg.Storage.Backend != "local" || cfg.Storage.Local.RootDir != "./data/objects" {
		t.Errorf("storage defaults = %+v", cfg.Storage)
	}
	if cfg.StartupWait() != time.Minute {
		t.Errorf("StartupWait = %v", cfg.StartupWait())
	}
	if *cfg != *Default() {
		t.Error("Load of an empty file differs from Default()")
	}
}

func TestLoadFallsBackToExample(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lagret.example.yaml", "server:\n  port: 4000\n")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Port = %d, want 4000 from the example file", cfg.Server.Port)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "server: [", "parsing config"},
		{"unknown backend", "storage:\n  backend: floppy\n", "unknown storage backend"},
		{"aws without bucket", "storage:\n  backend: aws\n", "storage.aws.bucket"},
		{"gcp without bucket", "storage:\n  backend: gcp\n", "storage.gcp.bucket"},
		{"azure without container", "storage:\n  backend: azure\n", "storage.azure.container"},
		{"azure without account", "storage:\n  backend: azure\n  azure:\n    container: c\n", "account"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, "cfg.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load error = %v, want %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "nested", "nothing.yaml")); err == nil {
		t.Error("Load of a missing file without fallback succeeded")
	}
}

func TestAzureAccountURL(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeFile(t, dir, "az.yaml", "storage:\n  backend: azure\n  azure:\n    container: crates\n    account: acme\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Storage.Azure.AccountURL; got != "https://acme.blob.core.windows.net" {
		t.Errorf("AccountURL = %q", got)
	}
}
