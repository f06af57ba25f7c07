package storage

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/rs/dnscache"
)

// dnsRefreshInterval is how often cached DNS answers are refreshed.
const dnsRefreshInterval = 5 * time.Minute

// newCachingHTTPClient returns an HTTP client whose dialer resolves hosts
// through an in-process DNS cache. It is used for S3-compatible endpoints
// (MinIO, Ceph, R2) where every request would otherwise hit the resolver.
func newCachingHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(dnsRefreshInterval)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// contentTypeFor picks the Content-Type recorded with an uploaded object.
func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".crate":
		return "application/x-tar"
	default:
		return "application/octet-stream"
	}
}
