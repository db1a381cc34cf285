package harcap

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestAdminAPI(t *testing.T, store RuleStore) (*AdminAPI, *Lifecycle) {
	t.Helper()
	lc, _ := newTestLifecycle(t, store)
	a := NewAdminAPI(lc)
	a.Logger = discardLogger()
	a.DefaultPort = 0
	return a, lc
}

func doAdmin(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

func TestAdminStatus_Stopped(t *testing.T) {
	a, _ := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))
	rec := doAdmin(t, a, http.MethodGet, "/api/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	st := decodeJSON[map[string]any](t, rec)
	if st["running"] != false || st["state"] != "STOPPED" {
		t.Errorf("status = %v", st)
	}
	if _, ok := st["started_at"]; ok {
		t.Error("started_at present while stopped")
	}
}

func TestAdminStartStop(t *testing.T) {
	a, lc := newTestAdminAPI(t, NewStaticRuleStore(
		[]FilterRule{{Kind: KindMethod, Pattern: `^OPTIONS$`, Enabled: true}}, nil,
	))

	port, tlsOff := 0, false
	rec := doAdmin(t, a, http.MethodPost, "/api/start", StartRequest{Port: &port, TLSEnabled: &tlsOff})
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	st := decodeJSON[Status](t, rec)
	if !st.Running || st.Port == 0 || st.Mode != ModePassthrough || st.RuleCount != 1 {
		t.Errorf("start status = %+v", st)
	}

	rec = doAdmin(t, a, http.MethodPost, "/api/start", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", rec.Code)
	}
	if e := decodeJSON[ErrorResponse](t, rec); !strings.Contains(e.Error, "already running") {
		t.Errorf("error = %q", e.Error)
	}

	rec = doAdmin(t, a, http.MethodPost, "/api/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if lc.State() != StateStopped {
		t.Errorf("State() = %v", lc.State())
	}

	rec = doAdmin(t, a, http.MethodPost, "/api/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second stop = %d, want 409", rec.Code)
	}
}

func TestAdminStart_BadRequest(t *testing.T) {
	a, lc := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"port":`},
		{"port out of range", `{"port":70000}`},
		{"negative port", `{"port":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/start", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			a.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400", rec.Code)
			}
		})
	}
	if lc.State() != StateStopped {
		t.Error("bad request started capture")
	}
}

func TestAdminStart_Defaults(t *testing.T) {
	a, lc := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))
	a.DefaultTLS = true

	rec := doAdmin(t, a, http.MethodPost, "/api/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if lc.Status().Mode != ModeIntercept {
		t.Errorf("Mode = %q, want intercept from DefaultTLS", lc.Status().Mode)
	}
}

func TestAdminReload(t *testing.T) {
	a, lc := newTestAdminAPI(t, NewStaticRuleStore(
		[]FilterRule{{Kind: KindURL, Pattern: `\.png$`, Enabled: true, Description: "images"}},
		[]HostRule{{Host: "example.com", IncludeSubdomains: true, Enabled: true}},
	))

	if rec := doAdmin(t, a, http.MethodPost, "/api/reload", nil); rec.Code != http.StatusConflict {
		t.Errorf("reload while stopped = %d, want 409", rec.Code)
	}

	if err := lc.Start(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}

	rec := doAdmin(t, a, http.MethodPost, "/api/reload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload: %d %s", rec.Code, rec.Body.String())
	}
	rules := decodeJSON[RulesResponse](t, rec)
	if rules.Version != 2 {
		t.Errorf("Version = %d, want 2", rules.Version)
	}
	if len(rules.FilterRules) != 1 || rules.FilterRules[0].Description != "images" {
		t.Errorf("FilterRules = %+v", rules.FilterRules)
	}
	if !rules.HostRules["example.com"] {
		t.Errorf("HostRules = %v", rules.HostRules)
	}
}

func TestAdminListRules(t *testing.T) {
	a, lc := newTestAdminAPI(t, NewStaticRuleStore(
		[]FilterRule{
			{Kind: KindURL, Pattern: `a`, Enabled: true},
			{Kind: KindContentType, Pattern: `^image/`, Enabled: true},
		}, nil,
	))

	rec := doAdmin(t, a, http.MethodGet, "/api/rules", nil)
	if rules := decodeJSON[RulesResponse](t, rec); len(rules.FilterRules) != 0 || rules.Version != 0 {
		t.Errorf("stopped rules = %+v", rules)
	}

	if err := lc.Start(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}
	rec = doAdmin(t, a, http.MethodGet, "/api/rules", nil)
	rules := decodeJSON[RulesResponse](t, rec)
	if len(rules.FilterRules) != 2 || rules.FilterRules[1].Kind != KindContentType {
		t.Errorf("rules = %+v", rules.FilterRules)
	}
}

func TestAdminRotate(t *testing.T) {
	a, lc := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))

	if rec := doAdmin(t, a, http.MethodPost, "/api/rotate", nil); rec.Code != http.StatusConflict {
		t.Errorf("rotate while stopped = %d, want 409", rec.Code)
	}

	if err := lc.Start(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}
	rec := doAdmin(t, a, http.MethodPost, "/api/rotate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: %d %s", rec.Code, rec.Body.String())
	}
	if msg := decodeJSON[MessageResponse](t, rec); !strings.HasSuffix(msg.Message, ".jsonl") {
		t.Errorf("rotated file = %q", msg.Message)
	}
}

func TestAdminPending(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.WriteString(w, "late")
	}))
	defer origin.Close()
	defer close(release)

	a, lc := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))

	rec := doAdmin(t, a, http.MethodGet, "/api/pending", nil)
	if p := decodeJSON[PendingResponse](t, rec); p.Count != 0 || p.Flows == nil {
		t.Errorf("stopped pending = %+v", p)
	}

	if err := lc.Start(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}
	client := proxyClient(lc.Status().Addr)
	go func() {
		resp, err := client.Get(origin.URL + "/slow")
		if err == nil {
			_ = resp.Body.Close()
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		p := decodeJSON[PendingResponse](t, doAdmin(t, a, http.MethodGet, "/api/pending", nil))
		if p.Count == 1 {
			if p.Flows[0].Path != "/slow" || p.Flows[0].Method != http.MethodGet {
				t.Errorf("flow = %+v", p.Flows[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("pending flow never listed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestAdminRoutes(t *testing.T) {
	a, lc := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))
	m := NewMetrics()
	hc := NewHealthChecker(lc.State)
	hc.SetAlive(true)
	h := a.Routes(m, hc)

	tests := []struct {
		path     string
		wantCode int
	}{
		{"/api/status", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
		{"/status", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := doAdmin(t, h, http.MethodGet, tt.path, nil); rec.Code != tt.wantCode {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantCode)
			}
		})
	}

	bare := a.Routes(nil, nil)
	if rec := doAdmin(t, bare, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("/metrics without Metrics = %d", rec.Code)
	}
}

func TestAdminCustomPrefix(t *testing.T) {
	a, _ := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))
	a.PathPrefix = "/capture"

	if rec := doAdmin(t, a, http.MethodGet, "/capture/status", nil); rec.Code != http.StatusOK {
		t.Errorf("custom prefix status = %d", rec.Code)
	}
	if rec := doAdmin(t, a.Routes(nil, nil), http.MethodGet, "/capture/pending", nil); rec.Code != http.StatusOK {
		t.Errorf("custom prefix via Routes = %d", rec.Code)
	}
}

func TestAdminMethodNotAllowed(t *testing.T) {
	a, _ := newTestAdminAPI(t, NewStaticRuleStore(nil, nil))
	if rec := doAdmin(t, a, http.MethodGet, "/api/start", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/start = %d, want 405", rec.Code)
	}
}
