package harcap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Engine is the interception engine driven by a Lifecycle. Listen binds
// the socket and returns once the engine accepts connections; Serve blocks
// until Shutdown is called or the engine fails.
type Engine interface {
	Listen(addr string) (net.Addr, error)
	Serve() error
	Shutdown(ctx context.Context) error
}

// EngineFactory builds a fresh Engine for one capture session.
type EngineFactory func(tlsEnabled bool, ic Interceptor) (Engine, error)

// Proxy is an HTTP(S) forward proxy that reports every exchange to an
// Interceptor. CONNECT tunnels are decrypted with certificates minted by
// CertManager when InterceptTLS is set and relayed blind otherwise.
type Proxy struct {
	// CertManager handles dynamic certificate generation. Required when
	// InterceptTLS is set.
	CertManager *CertManager

	// InterceptTLS enables TLS interception of CONNECT tunnels.
	InterceptTLS bool

	// Interceptor receives request and response events (optional).
	Interceptor Interceptor

	// MaxBodyBytes caps how much of each body is captured. Bodies are
	// always forwarded in full.
	MaxBodyBytes int64

	// Logger for proxy events
	Logger *slog.Logger

	// Transport for outbound requests (optional, uses default if nil)
	Transport http.RoundTripper

	// Upstream provides the pooled outbound transport (optional). When set
	// it takes precedence over Transport.
	Upstream *UpstreamPool

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// HealthChecker serves /healthz and /readyz to direct requests (optional)
	HealthChecker *HealthChecker

	// ReadTimeout bounds reads on intercepted TLS connections.
	ReadTimeout time.Duration

	listener net.Listener
	srv      *http.Server

	mu     sync.Mutex
	tunnel map[net.Conn]struct{}
}

// NewProxy creates a new capture proxy.
func NewProxy(cm *CertManager, ic Interceptor) *Proxy {
	return &Proxy{
		CertManager:  cm,
		Interceptor:  ic,
		InterceptTLS: cm != nil,
		MaxBodyBytes: DefaultCorrelatorConfig().MaxBodyBytes,
		Logger:       slog.Default(),
		Transport:    http.DefaultTransport,
		ReadTimeout:  30 * time.Second,
	}
}

// Listen binds addr.
func (p *Proxy) Listen(addr string) (net.Addr, error) {
	if p.InterceptTLS && p.CertManager == nil {
		return nil, errors.New("tls interception requires a certificate manager")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	p.listener = listener
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.ReadTimeout,
	}
	p.Logger.Info("proxy listening", "addr", listener.Addr().String(), "intercept_tls", p.InterceptTLS)
	return listener.Addr(), nil
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (p *Proxy) Serve() error {
	if p.srv == nil {
		return errors.New("proxy: Serve called before Listen")
	}
	if err := p.srv.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves.
func (p *Proxy) ListenAndServe(addr string) error {
	if _, err := p.Listen(addr); err != nil {
		return err
	}
	return p.Serve()
}

// Shutdown gracefully stops the proxy and closes hijacked connections.
func (p *Proxy) Shutdown(ctx context.Context) error {
	var err error
	if p.srv != nil {
		err = p.srv.Shutdown(ctx)
	}

	p.mu.Lock()
	for c := range p.tunnel {
		_ = c.Close()
	}
	p.tunnel = nil
	p.mu.Unlock()

	return err
}

func (p *Proxy) track(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tunnel == nil {
		p.tunnel = make(map[net.Conn]struct{})
	}
	p.tunnel[c] = struct{}{}
}

func (p *Proxy) untrack(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tunnel, c)
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	direct := r.Method != http.MethodConnect && !r.URL.IsAbs()
	if direct {
		switch {
		case p.Metrics != nil && r.URL.Path == "/metrics":
			p.Metrics.Handler().ServeHTTP(w, r)
			return
		case p.HealthChecker != nil && r.URL.Path == "/healthz":
			p.HealthChecker.HandleHealthz(w, r)
			return
		case p.HealthChecker != nil && r.URL.Path == "/readyz":
			p.HealthChecker.HandleReadyz(w, r)
			return
		}
		http.Error(w, "this is a proxy; send absolute-form requests", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// handleConnect handles CONNECT requests, intercepting or tunnelling.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "https")
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	p.Logger.Debug("CONNECT", "host", r.Host)

	var upstream net.Conn
	if !p.InterceptTLS {
		var err error
		upstream, err = net.DialTimeout("tcp", r.Host, 30*time.Second)
		if err != nil {
			p.Logger.Error("dial tunnel", "error", err, "host", r.Host)
			if p.Metrics != nil {
				p.Metrics.RecordUpstreamError(r.Host)
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	p.track(clientConn)
	defer p.untrack(clientConn)

	_, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if err != nil {
		p.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}

	if upstream != nil {
		p.relay(clientConn, upstream)
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
		NextProtos: []string{"http/1.1"},
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		p.Logger.Error("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}

	p.handleTLSConnection(tlsClientConn, r.Host)
}

// relay copies bytes both ways until either side closes.
func (p *Proxy) relay(client, upstream net.Conn) {
	p.track(upstream)
	defer p.untrack(upstream)

	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}
	go cp(upstream, client)
	go cp(client, upstream)
	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

// handleTLSConnection reads HTTP requests from the decrypted connection and
// processes them.
func (p *Proxy) handleTLSConnection(conn *tls.Conn, defaultHost string) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	for {
		if p.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(p.ReadTimeout))
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.Logger.Debug("read request", "error", err)
			}
			return
		}

		if req.URL.Host == "" {
			req.URL.Host = defaultHost
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}
		if req.Host == "" {
			req.Host = defaultHost
		}
		req.RemoteAddr = conn.RemoteAddr().String()

		start := time.Now()
		resp, err := p.exchange(req)
		if err != nil {
			p.Logger.Error("forward request", "error", err, "url", req.URL)
			p.writeErrorResponse(conn, err)
			continue
		}
		if p.Metrics != nil {
			p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
		}

		// The client speaks HTTP/1.1 even when the upstream used h2.
		resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
		err = resp.Write(conn)
		_ = resp.Body.Close()
		if err != nil {
			p.Logger.Debug("write response", "error", err)
			return
		}
	}
}

// exchange forwards req upstream and reports both halves to the
// Interceptor. The request body is read only after the request is
// admitted. The response event fires when the returned body is closed,
// after the client has been sent the full body.
func (p *Proxy) exchange(req *http.Request) (*http.Response, error) {
	var (
		flowID   string
		admitted bool
	)
	if p.Interceptor != nil {
		flowID, admitted = p.Interceptor.OnRequest(NewRequestEvent(req, nil, max(req.ContentLength, 0)))
	}
	if admitted {
		head, body, size, err := peekBody(req.Body, req.ContentLength, p.MaxBodyBytes)
		if err != nil {
			p.Interceptor.OnError(flowID, err)
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = body
		p.Interceptor.OnRequestBody(flowID, head, size)
	}

	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	resp, err := p.transport().RoundTrip(outReq)
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(req.Host)
		}
		if admitted {
			p.Interceptor.OnError(flowID, err)
		}
		return nil, err
	}
	removeHopByHopHeaders(resp.Header)

	if admitted {
		proto := resp.Proto
		resp.Body = newCaptureBody(resp.Body, p.MaxBodyBytes, func(body []byte, n int64) {
			ev := &ResponseEvent{
				Status:   resp.StatusCode,
				Proto:    proto,
				Header:   resp.Header.Clone(),
				Body:     body,
				BodySize: n,
				Time:     time.Now(),
			}
			p.Interceptor.OnResponse(flowID, ev)
		})
	}
	return resp, nil
}

// transport returns the effective http.RoundTripper.
func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.Upstream != nil:
		return p.Upstream.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return http.DefaultTransport
	}
}

// writeErrorResponse writes an error response.
func (p *Proxy) writeErrorResponse(w io.Writer, err error) {
	body := fmt.Sprintf("Proxy Error: %v", err)
	resp := &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(w)
}

// handleHTTP handles plain HTTP requests (non-CONNECT).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "http")
	}
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	start := time.Now()
	resp, err := p.exchange(r)
	if err != nil {
		p.Logger.Error("forward request", "error", err, "url", r.URL)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// peekBody reads up to limit bytes of body and returns them together with
// a replacement reader that yields the complete body. size is the declared
// length when known.
func peekBody(body io.ReadCloser, declared, limit int64) ([]byte, io.ReadCloser, int64, error) {
	if body == nil || body == http.NoBody {
		return nil, body, 0, nil
	}
	head, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		_ = body.Close()
		return nil, nil, 0, err
	}
	size := declared
	if int64(len(head)) < limit {
		// Whole body read.
		size = int64(len(head))
	} else if size < 0 {
		size = int64(len(head))
	}
	rc := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), body), body}
	return head, rc, size, nil
}

// captureBody records up to limit bytes of a response body as it is read
// and calls done exactly once on Close with the captured prefix and the
// number of bytes read.
type captureBody struct {
	rc    io.ReadCloser
	limit int64
	buf   bytes.Buffer
	n     int64
	once  sync.Once
	done  func(body []byte, n int64)
}

func newCaptureBody(rc io.ReadCloser, limit int64, done func([]byte, int64)) *captureBody {
	return &captureBody{rc: rc, limit: limit, done: done}
}

func (c *captureBody) Read(b []byte) (int, error) {
	n, err := c.rc.Read(b)
	if n > 0 {
		c.n += int64(n)
		if room := c.limit - int64(c.buf.Len()); room > 0 {
			c.buf.Write(b[:min(int64(n), room)])
		}
	}
	return n, err
}

func (c *captureBody) Close() error {
	err := c.rc.Close()
	c.once.Do(func() { c.done(c.buf.Bytes(), c.n) })
	return err
}
