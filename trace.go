package harcap

import (
	"encoding/base64"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// TraceRecord is one retained flow: the request merged with its response
// and timing. It is built only by FlowCorrelator.Complete and is never
// modified afterwards; accessors return copies.
type TraceRecord struct {
	flowID      string
	startedAt   time.Time
	completedAt time.Time

	method     string
	url        string
	host       string
	path       string
	reqProto   string
	reqHeader  http.Header
	query      url.Values
	reqBody    []byte
	reqBodyLen int64

	status      int
	respProto   string
	respHeader  http.Header
	respBody    []byte
	respBodyLen int64
	decodeErr   string
}

func newTraceRecord(f *pendingFlow, ev *ResponseEvent, maxBody int64, red *Redactor) *TraceRecord {
	respHeader := ev.Header.Clone()
	if respHeader == nil {
		respHeader = make(http.Header)
	}

	body, err := DecodeBody(ev.Body, respHeader.Get("Content-Encoding"), maxBody)
	var decodeErr string
	if err != nil {
		decodeErr = err.Error()
	}
	body = red.Body(respHeader.Get("Content-Type"), body)
	red.Header(respHeader)

	reqBody, reqBodyLen := f.requestBody()

	completed := ev.Time
	if completed.IsZero() || completed.Before(f.createdAt) {
		completed = f.createdAt
	}

	return &TraceRecord{
		flowID:      f.id,
		startedAt:   f.createdAt,
		completedAt: completed,
		method:      f.method,
		url:         f.url,
		host:        f.host,
		path:        f.path,
		reqProto:    f.proto,
		reqHeader:   f.header,
		query:       f.params,
		reqBody:     reqBody,
		reqBodyLen:  reqBodyLen,
		status:      ev.Status,
		respProto:   ev.Proto,
		respHeader:  respHeader,
		respBody:    body,
		respBodyLen: ev.BodySize,
		decodeErr:   decodeErr,
	}
}

// FlowID is the correlation token assigned at Begin.
func (r *TraceRecord) FlowID() string { return r.flowID }

// StartedAt is when the request was admitted.
func (r *TraceRecord) StartedAt() time.Time { return r.startedAt }

// Duration is the time from admission to response.
func (r *TraceRecord) Duration() time.Duration { return r.completedAt.Sub(r.startedAt) }

// Method is the request method.
func (r *TraceRecord) Method() string { return r.method }

// URL is the full request URL.
func (r *TraceRecord) URL() string { return r.url }

// Host is the request host without port.
func (r *TraceRecord) Host() string { return r.host }

// Path is the request URL path.
func (r *TraceRecord) Path() string { return r.path }

// Status is the response status code.
func (r *TraceRecord) Status() int { return r.status }

// RequestHeader returns a copy of the request headers.
func (r *TraceRecord) RequestHeader() http.Header { return r.reqHeader.Clone() }

// ResponseHeader returns a copy of the response headers.
func (r *TraceRecord) ResponseHeader() http.Header { return r.respHeader.Clone() }

// RequestBody returns a copy of the captured request body.
func (r *TraceRecord) RequestBody() []byte { return slices.Clone(r.reqBody) }

// ResponseBody returns a copy of the decoded response body.
func (r *TraceRecord) ResponseBody() []byte { return slices.Clone(r.respBody) }

// Entry renders the record as a HAR entry.
func (r *TraceRecord) Entry() HAREntry {
	waitMS := float64(r.Duration().Microseconds()) / 1000

	e := HAREntry{
		StartedDateTime: r.startedAt.UTC().Format(time.RFC3339Nano),
		Time:            waitMS,
		FlowID:          r.flowID,
		Request: HARRequest{
			Method:      r.method,
			URL:         r.url,
			HTTPVersion: httpVersion(r.reqProto),
			Headers:     headerPairs(r.reqHeader),
			QueryString: valuePairs(r.query),
			Cookies:     requestCookies(r.reqHeader),
			HeadersSize: -1,
			BodySize:    r.reqBodyLen,
		},
		Response: HARResponse{
			Status:      r.status,
			StatusText:  http.StatusText(r.status),
			HTTPVersion: httpVersion(r.respProto),
			Headers:     headerPairs(r.respHeader),
			Cookies:     responseCookies(r.respHeader),
			RedirectURL: r.respHeader.Get("Location"),
			HeadersSize: -1,
			BodySize:    r.respBodyLen,
			Content: HARContent{
				Size:     int64(len(r.respBody)),
				MimeType: r.respHeader.Get("Content-Type"),
				Comment:  r.decodeErr,
			},
		},
		Timings: HARTimings{Wait: waitMS},
	}

	if utf8.Valid(r.respBody) {
		e.Response.Content.Text = string(r.respBody)
	} else {
		e.Response.Content.Text = base64.StdEncoding.EncodeToString(r.respBody)
		e.Response.Content.Encoding = "base64"
	}

	if len(r.reqBody) > 0 || r.reqBodyLen > 0 {
		ct := r.reqHeader.Get("Content-Type")
		pd := &HARPostData{MimeType: ct, Text: bodyText(r.reqBody)}
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "application/x-www-form-urlencoded" {
			if form, err := url.ParseQuery(string(r.reqBody)); err == nil {
				pd.Params = valuePairs(form)
			}
		}
		e.Request.PostData = pd
	}

	return e
}

// bodyText returns b as UTF-8 text, reading invalid input as Latin-1 so
// every byte survives.
func bodyText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) * 2)
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func httpVersion(proto string) string {
	if proto == "" {
		return "HTTP/1.1"
	}
	return proto
}

func headerPairs(h http.Header) []HARNameValue {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]HARNameValue, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, HARNameValue{Name: name, Value: v})
		}
	}
	return out
}

func valuePairs(v url.Values) []HARNameValue {
	return headerPairs(http.Header(v))
}

func requestCookies(h http.Header) []HARNameValue {
	req := http.Request{Header: h}
	out := []HARNameValue{}
	for _, c := range req.Cookies() {
		out = append(out, HARNameValue{Name: c.Name, Value: c.Value})
	}
	return out
}

func responseCookies(h http.Header) []HARNameValue {
	resp := http.Response{Header: h}
	out := []HARNameValue{}
	for _, c := range resp.Cookies() {
		out = append(out, HARNameValue{Name: c.Name, Value: c.Value})
	}
	return out
}
