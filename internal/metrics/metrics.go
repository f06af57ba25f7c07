// Package metrics defines the Prometheus metrics exported by lagret.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lagret_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lagret_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lagret_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Registry metrics.
var (
	// PublishesTotal counts publish attempts by outcome: success, conflict,
	// invalid or storage_error.
	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lagret_publishes_total",
			Help: "Crate publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	// PublishedBytes observes the size of published archives.
	PublishedBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lagret_published_archive_bytes",
			Help:    "Size of published crate archives in bytes",
			Buckets: sizeBuckets,
		},
	)

	// StoreOperationsTotal counts object store calls by operation and outcome.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lagret_store_operations_total",
			Help: "Object store operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// CratesTotal tracks the number of crates in the index.
	CratesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lagret_crates_total",
			Help: "Crates in the index",
		},
	)

	// VersionsTotal tracks the number of crate versions in the index.
	VersionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lagret_versions_total",
			Help: "Crate versions in the index",
		},
	)

	// BootstrapDuration observes how long rebuilding the index took.
	BootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lagret_bootstrap_duration_seconds",
			Help:    "Time taken to rebuild the index from the object store",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	// BootstrapSkippedTotal counts objects skipped during bootstrap by reason.
	BootstrapSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lagret_bootstrap_skipped_total",
			Help: "Objects skipped while rebuilding the index, by reason",
		},
		[]string{"reason"},
	)

	// DownloadBytesTotal counts archive bytes served.
	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lagret_download_bytes_total",
			Help: "Total crate archive bytes served",
		},
	)
)

// Register registers all collectors with the default registry. It is called
// from main so that metrics can be disabled by configuration, and is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			PublishesTotal,
			PublishedBytes,
			StoreOperationsTotal,
			CratesTotal,
			VersionsTotal,
			BootstrapDuration,
			BootstrapSkippedTotal,
			DownloadBytesTotal,
		)
		// Pre-create the common series so dashboards see zeros, not gaps.
		for _, outcome := range []string{"success", "conflict", "invalid", "storage_error"} {
			PublishesTotal.WithLabelValues(outcome)
		}
	})
}

// NormalizePath maps request paths to route templates so that crate names
// do not become label values.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/readyz", "/metrics", "/config.json", "/openapi.json", "/openapi.yaml":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/api/v1/crates", "/api/v1/crates/":
		return "/api/v1/crates"
	case "/api/v1/crates/new":
		return "/api/v1/crates/new"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/api/v1/crates/") {
		if strings.HasSuffix(path, "/download") {
			return "/api/v1/crates/{name}/{version}/download"
		}
		return "/api/v1/crates/{other}"
	}

	trimmed := strings.Trim(path, "/")
	switch strings.Count(trimmed, "/") {
	case 1:
		if strings.HasPrefix(trimmed, "1/") || strings.HasPrefix(trimmed, "2/") {
			return "/{index}"
		}
	case 2:
		return "/{index}"
	}
	return "/{other}"
}
