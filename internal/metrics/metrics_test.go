package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/assets/app.js", "/docs"},
		{"/metrics", "/metrics"},
		{"/config.json", "/config.json"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/api/v1/crates", "/api/v1/crates"},
		{"/api/v1/crates/new", "/api/v1/crates/new"},
		{"/api/v1/crates/serde/1.0.0/download", "/api/v1/crates/{name}/{version}/download"},
		{"/api/v1/crates/serde/owners", "/api/v1/crates/{other}"},
		{"/1/a", "/{index}"},
		{"/2/ab", "/{index}"},
		{"/3/a/abc", "/{index}"},
		{"/se/rd/serde", "/{index}"},
		{"/favicon.ico", "/{other}"},
		{"/a/b/c/d", "/{other}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := NormalizePath(tt.path); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	if got := testutil.ToFloat64(PublishesTotal.WithLabelValues("success")); got != 0 {
		t.Errorf("publishes{success} = %v before any publish", got)
	}

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPResponseSize.WithLabelValues("GET", "/{index}").Observe(2048)
	PublishesTotal.WithLabelValues("conflict").Inc()
	PublishedBytes.Observe(4096)
	StoreOperationsTotal.WithLabelValues("put", "success").Inc()
	CratesTotal.Set(3)
	VersionsTotal.Set(7)
	BootstrapDuration.Observe(0.5)
	BootstrapSkippedTotal.WithLabelValues("orphan_metadata").Inc()
	DownloadBytesTotal.Add(2048)

	if got := testutil.ToFloat64(VersionsTotal); got != 7 {
		t.Errorf("versions gauge = %v, want 7", got)
	}
}
