package harcap

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func completeOne(t *testing.T, req *RequestEvent, resp *ResponseEvent) *TraceRecord {
	t.Helper()
	c := newTestCorrelator(t, nil)
	id, ok := c.Begin(req)
	if !ok {
		t.Fatal("request not admitted")
	}
	rec, ok := c.Complete(id, resp)
	if !ok {
		t.Fatal("response not retained")
	}
	return rec
}

func TestTraceRecord_Entry(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	req := requestEvent("POST", "https://shop.example.com/cart?item=7", "shop.example.com")
	req.Proto = "HTTP/2.0"
	req.Time = start
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", "session=abc; theme=dark")
	req.Body = []byte("qty=2&color=red")
	req.BodySize = int64(len(req.Body))

	resp := okResponse(`{"ok":true}`)
	resp.Time = start.Add(150 * time.Millisecond)
	resp.Header.Add("Set-Cookie", "cart=1; Path=/")

	e := completeOne(t, req, resp).Entry()

	if e.StartedDateTime != "2026-05-04T09:30:00Z" {
		t.Errorf("StartedDateTime = %s", e.StartedDateTime)
	}
	if e.Time != 150 || e.Timings.Wait != 150 {
		t.Errorf("Time = %v, Wait = %v", e.Time, e.Timings.Wait)
	}
	if e.Request.HTTPVersion != "HTTP/2.0" || e.Response.HTTPVersion != "HTTP/1.1" {
		t.Errorf("versions %s / %s", e.Request.HTTPVersion, e.Response.HTTPVersion)
	}
	if len(e.Request.Cookies) != 2 {
		t.Errorf("request cookies = %+v", e.Request.Cookies)
	}
	if len(e.Response.Cookies) != 1 || e.Response.Cookies[0].Name != "cart" {
		t.Errorf("response cookies = %+v", e.Response.Cookies)
	}
	if e.Request.PostData == nil || len(e.Request.PostData.Params) != 2 {
		t.Fatalf("PostData = %+v", e.Request.PostData)
	}
	if e.Request.PostData.Text != "qty=2&color=red" {
		t.Errorf("PostData.Text = %q", e.Request.PostData.Text)
	}
	if e.Response.StatusText != "OK" || e.Response.Content.MimeType != "application/json" {
		t.Errorf("response = %+v", e.Response)
	}
	if e.Response.Content.Text != `{"ok":true}` || e.Response.Content.Encoding != "" {
		t.Errorf("content = %+v", e.Response.Content)
	}
}

func TestTraceRecord_DecodesContentEncoding(t *testing.T) {
	payload := []byte(`{"compressed":true}`)
	gz, _ := EncodeBody(payload, EncodingGzip)

	resp := okResponse("")
	resp.Header.Set("Content-Encoding", "gzip")
	resp.Body = gz
	resp.BodySize = int64(len(gz))

	rec := completeOne(t, requestEvent("GET", "https://example.com/", "example.com"), resp)
	e := rec.Entry()

	if e.Response.Content.Text != string(payload) {
		t.Errorf("content text = %q", e.Response.Content.Text)
	}
	if e.Response.Content.Size != int64(len(payload)) {
		t.Errorf("content size = %d", e.Response.Content.Size)
	}
	if e.Response.BodySize != int64(len(gz)) {
		t.Errorf("bodySize = %d, want wire size %d", e.Response.BodySize, len(gz))
	}
}

func TestTraceRecord_BinaryBodyIsBase64(t *testing.T) {
	bin := []byte{0x89, 'P', 'N', 'G', 0xff, 0x00}
	resp := &ResponseEvent{
		Status:   200,
		Header:   http.Header{"Content-Type": {"application/octet-stream"}},
		Body:     bin,
		BodySize: int64(len(bin)),
	}
	e := completeOne(t, requestEvent("GET", "https://example.com/blob", "example.com"), resp).Entry()

	if e.Response.Content.Encoding != "base64" {
		t.Fatalf("encoding = %q", e.Response.Content.Encoding)
	}
	got, err := base64.StdEncoding.DecodeString(e.Response.Content.Text)
	if err != nil || !bytes.Equal(got, bin) {
		t.Errorf("decoded %v, %v", got, err)
	}
}

func TestTraceRecord_Latin1RequestBody(t *testing.T) {
	req := requestEvent("POST", "https://example.com/legacy", "example.com")
	req.Header.Set("Content-Type", "text/plain")
	req.Body = []byte{'c', 'a', 'f', 0xe9}
	req.BodySize = 4

	e := completeOne(t, req, okResponse("{}")).Entry()
	if e.Request.PostData == nil || e.Request.PostData.Text != "café" {
		t.Errorf("PostData = %+v", e.Request.PostData)
	}
}

func TestTraceRecord_AccessorsReturnCopies(t *testing.T) {
	rec := testRecord("copy", "https://example.com/")

	h := rec.RequestHeader()
	h.Set("Accept", "mutated")
	if rec.RequestHeader().Get("Accept") == "mutated" {
		t.Error("RequestHeader exposed internal state")
	}

	b := rec.ResponseBody()
	b[0] = 'X'
	if rec.ResponseBody()[0] == 'X' {
		t.Error("ResponseBody exposed internal state")
	}
}

func TestWriteHAR(t *testing.T) {
	entries := []HAREntry{testRecord("a", "https://example.com/a").Entry(), testRecord("b", "https://example.com/b").Entry()}

	var buf bytes.Buffer
	if err := WriteHAR(&buf, entries); err != nil {
		t.Fatalf("WriteHAR: %v", err)
	}

	var doc HARLog
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Log.Version != "1.2" || doc.Log.Creator.Name != "harcap" {
		t.Errorf("log header = %+v", doc.Log)
	}
	if len(doc.Log.Entries) != 2 || doc.Log.Entries[1].Request.URL != "https://example.com/b" {
		t.Errorf("entries = %+v", doc.Log.Entries)
	}
}

func TestWriteHAR_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHAR(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"entries": []`) {
		t.Errorf("empty HAR = %s", buf.String())
	}
}
