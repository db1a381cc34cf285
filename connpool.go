package harcap

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// UpstreamPool is the pooled outbound transport used by the capture proxy.
// Responses are passed through with their Content-Encoding intact so the
// client sees exactly what the origin sent; decoding for the trace happens
// separately.
type UpstreamPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means the net/http default (2 per host).
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits dialing, active and idle connections per host.
	// Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial. Zero means
	// 30 seconds.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds upstream TLS handshakes.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	// Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 negotiates h2 with origins via ALPN.
	EnableHTTP2 bool

	// InsecureSkipVerify disables upstream certificate verification. Used
	// when capturing against test servers with self-signed certificates.
	InsecureSkipVerify bool

	// UseEnvironmentProxy chains through HTTP_PROXY/HTTPS_PROXY when set.
	UseEnvironmentProxy bool

	transport atomic.Pointer[http.Transport]
	stats     upstreamStats
}

type upstreamStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failedRequests atomic.Int64
}

// NewUpstreamPool creates an UpstreamPool with forward-proxy defaults.
func NewUpstreamPool() *UpstreamPool {
	return &UpstreamPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// Build creates the underlying http.Transport, replacing and draining any
// previous one.
func (up *UpstreamPool) Build() *http.Transport {
	tlsCfg := &tls.Config{InsecureSkipVerify: up.InsecureSkipVerify} //nolint:gosec // opt-in for test origins
	if up.EnableHTTP2 {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := up.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          up.MaxIdleConns,
		MaxIdleConnsPerHost:   up.MaxIdleConnsPerHost,
		MaxConnsPerHost:       up.MaxConnsPerHost,
		IdleConnTimeout:       up.IdleConnTimeout,
		TLSHandshakeTimeout:   up.TLSHandshakeTimeout,
		ResponseHeaderTimeout: up.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     up.EnableHTTP2,
		DisableCompression:    true,
	}
	if up.UseEnvironmentProxy {
		t.Proxy = http.ProxyFromEnvironment
	}

	if old := up.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns a RoundTripper over the pooled transport, building it
// on first use.
func (up *UpstreamPool) Transport() http.RoundTripper {
	if up.transport.Load() == nil {
		up.Build()
	}
	return &upstreamRoundTripper{pool: up}
}

// CloseIdleConnections closes all idle upstream connections.
func (up *UpstreamPool) CloseIdleConnections() {
	if t := up.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of upstream request counters.
func (up *UpstreamPool) Stats() UpstreamStats {
	return UpstreamStats{
		TotalRequests:  up.stats.totalRequests.Load(),
		ActiveRequests: up.stats.activeRequests.Load(),
		FailedRequests: up.stats.failedRequests.Load(),
	}
}

// UpstreamStats holds a snapshot of upstream request counters.
type UpstreamStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	FailedRequests int64 `json:"failed_requests"`
}

type upstreamRoundTripper struct {
	pool *UpstreamPool
}

func (rt *upstreamRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}

	resp, err := t.RoundTrip(req)
	if err != nil {
		rt.pool.stats.failedRequests.Add(1)
	}
	return resp, err
}
