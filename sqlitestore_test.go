package harcap

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gormlogger "gorm.io/gorm/logger"
)

func openTestRuleDB(t *testing.T) *SQLiteRuleStore {
	t.Helper()
	store, err := OpenSQLiteRuleStore(filepath.Join(t.TempDir(), "rules.db"), discardLogger())
	if err != nil {
		t.Fatalf("OpenSQLiteRuleStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRuleStore_ImportAndList(t *testing.T) {
	store := openTestRuleDB(t)
	ctx := context.Background()

	filters := []FilterRule{
		{Kind: KindURL, Pattern: `\.png$`, Enabled: true, Description: "images"},
		{Kind: KindMethod, Pattern: `^OPTIONS$`, Enabled: false},
		{Kind: KindContentType, Pattern: `^font/`, Enabled: true},
	}
	hosts := []HostRule{
		{Host: "example.com", IncludeSubdomains: true, Enabled: true},
		{Host: "internal.test", Enabled: false},
	}
	if err := store.ImportRules(ctx, filters, hosts); err != nil {
		t.Fatalf("ImportRules: %v", err)
	}

	all, err := store.ListFilterRules(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d rules, want 3", len(all))
	}
	for i, want := range filters {
		if all[i].Kind != want.Kind || all[i].Pattern != want.Pattern || all[i].Enabled != want.Enabled {
			t.Errorf("rule %d = %+v, want %+v", i, all[i], want)
		}
	}
	if all[0].Description != "images" {
		t.Errorf("description = %q", all[0].Description)
	}

	enabled, _ := store.ListFilterRules(ctx, true)
	if len(enabled) != 2 || enabled[1].Kind != KindContentType {
		t.Errorf("enabled = %+v", enabled)
	}

	hs, err := store.ListHostRules(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 1 || hs[0].Host != "example.com" || !hs[0].IncludeSubdomains {
		t.Errorf("hosts = %+v", hs)
	}
}

func TestSQLiteRuleStore_ImportReplaces(t *testing.T) {
	store := openTestRuleDB(t)
	ctx := context.Background()

	_ = store.ImportRules(ctx, []FilterRule{{Kind: KindURL, Pattern: "old", Enabled: true}}, nil)
	if err := store.ImportRules(ctx, []FilterRule{
		{Kind: KindURL, Pattern: "b", Enabled: true},
		{Kind: KindURL, Pattern: "a", Enabled: true},
	}, nil); err != nil {
		t.Fatal(err)
	}

	rules, _ := store.ListFilterRules(ctx, true)
	if len(rules) != 2 || rules[0].Pattern != "b" || rules[1].Pattern != "a" {
		t.Errorf("rules = %+v, want import order b, a", rules)
	}
}

func TestSQLiteRuleStore_DuplicateHostRollsBack(t *testing.T) {
	store := openTestRuleDB(t)
	ctx := context.Background()

	_ = store.ImportRules(ctx, []FilterRule{{Kind: KindURL, Pattern: "keep", Enabled: true}}, nil)
	err := store.ImportRules(ctx,
		[]FilterRule{{Kind: KindURL, Pattern: "new", Enabled: true}},
		[]HostRule{{Host: "dup.example", Enabled: true}, {Host: "dup.example", Enabled: true}},
	)
	if err == nil {
		t.Fatal("expected unique constraint error")
	}

	rules, _ := store.ListFilterRules(ctx, true)
	if len(rules) != 1 || rules[0].Pattern != "keep" {
		t.Errorf("failed import was not rolled back: %+v", rules)
	}
}

func TestSQLiteRuleStore_FeedsRuleSource(t *testing.T) {
	store := openTestRuleDB(t)
	_ = store.ImportRules(context.Background(),
		[]FilterRule{
			{Kind: KindURL, Pattern: `\.js$`, Enabled: true},
			{Kind: "regex", Pattern: `x`, Enabled: true},
		},
		[]HostRule{{Host: "api.example.com", Enabled: true}},
	)

	src := NewRuleSource(store)
	src.Logger = discardLogger()
	rs := src.Load(context.Background())

	if rs.Count() != 2 {
		t.Errorf("Count() = %d, want 2 (unknown kind skipped)", rs.Count())
	}
	d := RequestFilter{}.Evaluate(rs, requestEvent("GET", "https://api.example.com/app.js", "api.example.com"))
	if d.Admit {
		t.Error("stored url rule did not drop the request")
	}
}

func TestSQLiteTraceWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	w, err := OpenSQLiteTraceWriter(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenSQLiteTraceWriter: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"f1", "f2", "f3"} {
		if err := w.WriteRecord(ctx, testRecord(id, "https://example.com/"+id)); err != nil {
			t.Fatalf("WriteRecord %s: %v", id, err)
		}
	}
	if err := w.WriteRecord(ctx, testRecord("f1", "https://example.com/again")); err == nil {
		t.Error("duplicate flow ID accepted")
	}

	entries, err := w.Entries(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[2].Request.URL != "https://example.com/f3" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].Response.Content.Text != `{"id":"f1"}` {
		t.Errorf("content = %q", entries[0].Response.Content.Text)
	}

	limited, _ := w.Entries(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d entries", len(limited))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLiteTraceWriter(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()
	persisted, _ := reopened.Entries(ctx, 0)
	if len(persisted) != 3 {
		t.Errorf("after reopen: %d entries", len(persisted))
	}
}

func TestSQLiteTraceWriter_ThroughSink(t *testing.T) {
	w, err := OpenSQLiteTraceWriter(filepath.Join(t.TempDir(), "trace.db"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	s := NewTraceSink(w, 8, discardLogger())
	for _, id := range []string{"a", "b"} {
		if err := s.Append(testRecord(id, "https://example.com/"+id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := w.Entries(context.Background(), 0); err == nil {
		t.Error("writer still usable after sink close")
	}
}

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now(), fc, nil)
	if buf.Len() != 0 {
		t.Errorf("fast query logged at warn level: %s", buf.String())
	}

	l.Trace(ctx, time.Now(), fc, errors.New("disk I/O error"))
	if !strings.Contains(buf.String(), "sql failed") || !strings.Contains(buf.String(), "component=sqlite") {
		t.Errorf("error not logged: %s", buf.String())
	}

	buf.Reset()
	l.SlowThreshold = time.Millisecond
	l.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	if !strings.Contains(buf.String(), "slow sql") {
		t.Errorf("slow query not logged: %s", buf.String())
	}

	buf.Reset()
	verbose := l.LogMode(gormlogger.Info)
	verbose.Trace(ctx, time.Now(), fc, nil)
	verbose.Info(ctx, "migrated %d tables", 2)
	if !strings.Contains(buf.String(), "SELECT 1") || !strings.Contains(buf.String(), "migrated 2 tables") {
		t.Errorf("info mode output: %s", buf.String())
	}

	buf.Reset()
	l.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), fc, errors.New("ignored"))
	if buf.Len() != 0 {
		t.Errorf("silent mode logged: %s", buf.String())
	}
}
