package harcap

import (
	"net/http"
	"time"
)

// RequestEvent is a request as observed by the interception engine.
// Body holds at most the engine's capture limit; BodySize is the full
// length that was read from the client.
type RequestEvent struct {
	Method     string
	URL        string
	Host       string
	Proto      string
	Header     http.Header
	Body       []byte
	BodySize   int64
	RemoteAddr string
	Time       time.Time
}

// ResponseEvent is an upstream response as observed by the engine. Body is
// still Content-Encoded; decoding happens when the trace record is built.
type ResponseEvent struct {
	Status   int
	Proto    string
	Header   http.Header
	Body     []byte
	BodySize int64
	Time     time.Time
}

// Interceptor receives engine callbacks. Every method must return
// promptly; they are called on the connection's serving goroutine.
type Interceptor interface {
	// OnRequest reports whether the flow is tracked and, if so, its ID.
	// It sees the request line and headers only; ev.Body is nil.
	OnRequest(ev *RequestEvent) (flowID string, admitted bool)

	// OnRequestBody attaches the captured request body to a tracked flow.
	// The engine reads the body only for admitted flows.
	OnRequestBody(flowID string, body []byte, size int64)

	// OnResponse completes a tracked flow.
	OnResponse(flowID string, ev *ResponseEvent)

	// OnError abandons a tracked flow whose exchange failed before a
	// response arrived.
	OnError(flowID string, err error)
}

// NewRequestEvent builds a RequestEvent from req. The scheme defaults to
// https when req arrived over TLS.
func NewRequestEvent(req *http.Request, body []byte, size int64) *RequestEvent {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	host := req.Host
	if host == "" {
		host = u.Host
	}

	return &RequestEvent{
		Method:     req.Method,
		URL:        u.String(),
		Host:       normalizeHost(host),
		Proto:      req.Proto,
		Header:     req.Header.Clone(),
		Body:       body,
		BodySize:   size,
		RemoteAddr: req.RemoteAddr,
		Time:       time.Now(),
	}
}

// NewResponseEvent builds a ResponseEvent from resp.
func NewResponseEvent(resp *http.Response, body []byte, size int64) *ResponseEvent {
	return &ResponseEvent{
		Status:   resp.StatusCode,
		Proto:    resp.Proto,
		Header:   resp.Header.Clone(),
		Body:     body,
		BodySize: size,
		Time:     time.Now(),
	}
}
