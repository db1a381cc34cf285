package harcap

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func startWatcher(t *testing.T, path string, target RuleReloader, debounce time.Duration) {
	t.Helper()
	rw, err := NewRulesWatcher(path, target)
	if err != nil {
		t.Fatalf("NewRulesWatcher: %v", err)
	}
	rw.Logger = discardLogger()
	rw.Debounce = debounce

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestRulesWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.csv")
	if err := os.WriteFile(path, []byte(testRulesCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	var called atomic.Int32
	startWatcher(t, path, reloaderFunc(func(context.Context) (*RuleSet, error) {
		called.Add(1)
		return EmptyRuleSet(), nil
	}), 100*time.Millisecond)

	// A burst of writes coalesces into one reload.
	for range 5 {
		if err := os.WriteFile(path, []byte(testRulesCSV), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	waitCalled(t, &called)

	time.Sleep(200 * time.Millisecond)
	if n := called.Load(); n != 1 {
		t.Errorf("reloaded %d times for one burst, want 1", n)
	}
}

func TestRulesWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.csv")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var called atomic.Int32
	startWatcher(t, path, reloaderFunc(func(context.Context) (*RuleSet, error) {
		called.Add(1)
		return EmptyRuleSet(), nil
	}), 20*time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if called.Load() != 0 {
		t.Error("unrelated file triggered a reload")
	}
}

func TestRulesWatcher_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.csv")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var called atomic.Int32
	startWatcher(t, path, reloaderFunc(func(context.Context) (*RuleSet, error) {
		called.Add(1)
		return EmptyRuleSet(), nil
	}), 20*time.Millisecond)

	tmp := filepath.Join(dir, ".rules.csv.tmp")
	if err := os.WriteFile(tmp, []byte(testRulesCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitCalled(t, &called)
}

func TestRulesWatcher_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.csv")
	if err := os.WriteFile(path, []byte("url,\\.css$\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewCSVRuleStore(path)
	store.HasHeader = false
	lc, _ := newTestLifecycle(t, store)
	if err := lc.Start(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}
	if n := lc.Rules().Count(); n != 1 {
		t.Fatalf("initial rules = %d", n)
	}
	startWatcher(t, path, lc, 20*time.Millisecond)

	if err := os.WriteFile(path, []byte("url,\\.css$\nurl,\\.js$\nmethod,^OPTIONS$\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for lc.Rules().Count() != 3 {
		select {
		case <-deadline:
			t.Fatalf("rules = %d after edit, want 3", lc.Rules().Count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestNewRulesWatcher_MissingDir(t *testing.T) {
	if _, err := NewRulesWatcher(filepath.Join(t.TempDir(), "nope", "rules.csv"), nil); err == nil {
		t.Error("expected error for missing directory")
	}
}
