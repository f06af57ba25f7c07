// Package config handles loading and parsing of lagret configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxPublishSize is the publish body limit crates.io uses.
const DefaultMaxPublishSize = 10 << 20

// Config is the top-level configuration for lagret.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Registry      RegistryConfig      `yaml:"registry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicURL is the externally visible base URL advertised to cargo in
	// config.json. Defaults to http://<host>:<port>.
	PublicURL string `yaml:"public_url"`
	// ShutdownTimeout bounds graceful shutdown, in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxPublishSize is the largest accepted publish body in bytes.
	MaxPublishSize int64 `yaml:"max_publish_size"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	// Backend is one of memory, local, sqlite, aws, gcp, azure.
	Backend string        `yaml:"backend"`
	Memory  MemoryConfig  `yaml:"memory"`
	Local   LocalConfig   `yaml:"local"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	AWS     AWSConfig     `yaml:"aws"`
	GCP     GCPConfig     `yaml:"gcp"`
	Azure   AzureConfig   `yaml:"azure"`
	Startup StartupConfig `yaml:"startup"`
}

// MemoryConfig holds in-memory store settings.
type MemoryConfig struct {
	// MaxSizeBytes caps the total stored bytes; 0 means unlimited.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// SnapshotPath, when set, persists the store to a SQLite file.
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotIntervalSeconds is how often the snapshot is rewritten.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
}

// LocalConfig holds local filesystem store settings.
type LocalConfig struct {
	// RootDir is the base directory for stored objects.
	RootDir string `yaml:"root_dir"`
}

// SQLiteConfig holds SQLite store settings.
type SQLiteConfig struct {
	// Path is the database file.
	Path string `yaml:"path"`
}

// AWSConfig holds S3 settings. EndpointURL and UsePathStyle allow
// S3-compatible services such as MinIO.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds Google Cloud Storage settings.
type GCPConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// AzureConfig holds Azure Blob Storage settings.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is used to build the account URL when AccountURL is empty:
	// https://{account}.blob.core.windows.net
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// StartupConfig bounds how long startup waits for the store to answer
// health checks.
type StartupConfig struct {
	// WaitSeconds is the total time to keep retrying; 0 disables retries.
	WaitSeconds int `yaml:"wait_seconds"`
}

// RegistryConfig holds registry behavior settings.
type RegistryConfig struct {
	// BootstrapConcurrency bounds parallel sidecar fetches at startup.
	BootstrapConcurrency int `yaml:"bootstrap_concurrency"`
	// SearchDefaultPerPage is used when a search omits per_page.
	SearchDefaultPerPage int `yaml:"search_default_per_page"`
	// SearchMaxPerPage caps per_page.
	SearchMaxPerPage int `yaml:"search_max_per_page"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the file cannot be read, it
// falls back to lagret.example.yaml in the same or the parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "lagret.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "lagret.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: 30,
			MaxPublishSize:  DefaultMaxPublishSize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/objects",
			},
			SQLite: SQLiteConfig{
				Path: "./data/objects.db",
			},
			Startup: StartupConfig{
				WaitSeconds: 60,
			},
		},
		Registry: RegistryConfig{
			BootstrapConcurrency: 16,
			SearchDefaultPerPage: 10,
			SearchMaxPerPage:     100,
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxPublishSize == 0 {
		cfg.Server.MaxPublishSize = DefaultMaxPublishSize
	}
	if cfg.Server.PublicURL == "" {
		host := cfg.Server.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		cfg.Server.PublicURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/objects.db"
	}
	if cfg.Storage.Azure.AccountURL == "" && cfg.Storage.Azure.Account != "" {
		cfg.Storage.Azure.AccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Storage.Azure.Account)
	}

	if cfg.Registry.BootstrapConcurrency <= 0 {
		cfg.Registry.BootstrapConcurrency = 16
	}
	if cfg.Registry.SearchMaxPerPage <= 0 {
		cfg.Registry.SearchMaxPerPage = 100
	}
	if cfg.Registry.SearchDefaultPerPage <= 0 {
		cfg.Registry.SearchDefaultPerPage = 10
	}
	if cfg.Registry.SearchDefaultPerPage > cfg.Registry.SearchMaxPerPage {
		cfg.Registry.SearchDefaultPerPage = cfg.Registry.SearchMaxPerPage
	}
}

// Validate reports settings that cannot work, such as an unknown backend
// or a cloud backend without a bucket.
func (c *Config) Validate() error {
	s := c.Storage
	switch s.Backend {
	case "memory", "local", "sqlite":
	case "aws":
		if s.AWS.Bucket == "" {
			return fmt.Errorf("storage.aws.bucket is required for the aws backend")
		}
	case "gcp":
		if s.GCP.Bucket == "" {
			return fmt.Errorf("storage.gcp.bucket is required for the gcp backend")
		}
	case "azure":
		if s.Azure.Container == "" {
			return fmt.Errorf("storage.azure.container is required for the azure backend")
		}
		if s.Azure.AccountURL == "" && s.Azure.ConnectionString == "" {
			return fmt.Errorf("storage.azure needs account, account_url or connection_string")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// SnapshotInterval returns the memory store snapshot interval.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Storage.Memory.SnapshotIntervalSeconds) * time.Second
}

// StartupWait returns how long startup keeps probing the store.
func (c *Config) StartupWait() time.Duration {
	return time.Duration(c.Storage.Startup.WaitSeconds) * time.Second
}
