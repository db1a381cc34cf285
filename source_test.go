package harcap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRuleSource_LoadAssignsVersions(t *testing.T) {
	store := NewStaticRuleStore([]FilterRule{
		{Kind: KindURL, Pattern: `a`, Enabled: true},
		{Kind: KindURL, Pattern: `b`, Enabled: false},
	}, nil)
	src := NewRuleSource(store)
	src.Logger = discardLogger()

	if v := src.Snapshot().Version(); v != 0 {
		t.Errorf("initial version = %d, want 0", v)
	}

	s1 := src.Load(context.Background())
	s2 := src.Reload(context.Background())

	if s1.Version() != 1 || s2.Version() != 2 {
		t.Errorf("versions = %d, %d", s1.Version(), s2.Version())
	}
	if got := len(s2.FilterRules()); got != 1 {
		t.Errorf("loaded %d rules, want only the enabled one", got)
	}
}

func TestRuleSource_FailedLoadInstallsEmpty(t *testing.T) {
	good := NewStaticRuleStore([]FilterRule{{Kind: KindURL, Pattern: `x`, Enabled: true}}, nil)
	src := NewRuleSource(good)
	src.Logger = discardLogger()
	src.Metrics = NewMetrics()
	src.Load(context.Background())

	src.store = failingStore{}
	rs := src.Reload(context.Background())

	if rs.Count() != 0 {
		t.Errorf("Count() = %d after failed load, want 0", rs.Count())
	}
	if src.Snapshot() != rs {
		t.Error("failed load did not install the empty snapshot")
	}
	if got := testutil.ToFloat64(src.Metrics.ruleReloadErrs); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
}

func TestRuleSource_InvalidRulesSkipped(t *testing.T) {
	store := NewStaticRuleStore([]FilterRule{
		{Kind: KindURL, Pattern: `(`, Enabled: true},
		{Kind: KindURL, Pattern: `ok`, Enabled: true},
	}, []HostRule{{Host: "-bad-", Enabled: true}})
	src := NewRuleSource(store)
	src.Logger = discardLogger()

	rs := src.Load(context.Background())
	if rs.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rs.Count())
	}
}

func TestRuleSource_OnReload(t *testing.T) {
	src := NewRuleSource(NewStaticRuleStore(nil, nil))
	src.Logger = discardLogger()

	var got atomic.Uint64
	src.OnReload = func(rs *RuleSet) { got.Store(rs.Version()) }
	src.Load(context.Background())

	if got.Load() != 1 {
		t.Errorf("OnReload saw version %d", got.Load())
	}
}

func TestRuleSource_ConcurrentReadersDuringReload(t *testing.T) {
	src := NewRuleSource(NewStaticRuleStore([]FilterRule{{Kind: KindURL, Pattern: `x`, Enabled: true}}, nil))
	src.Logger = discardLogger()
	src.Load(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for ctx.Err() == nil {
				rs := src.Snapshot()
				if rs.Version() < last {
					t.Errorf("version went backwards: %d after %d", rs.Version(), last)
					return
				}
				last = rs.Version()
				RequestFilter{}.Evaluate(rs, requestEvent("GET", "https://example.com/x", "example.com"))
			}
		}()
	}

	for range 50 {
		src.Reload(context.Background())
	}
	cancel()
	wg.Wait()

	if v := src.Snapshot().Version(); v != 51 {
		t.Errorf("final version = %d, want 51", v)
	}
}

func TestRuleSource_StartAutoReload(t *testing.T) {
	src := NewRuleSource(NewStaticRuleStore(nil, nil))
	src.Logger = discardLogger()
	src.Load(context.Background())

	stop := src.StartAutoReload(context.Background(), 10*time.Millisecond)
	defer stop()

	deadline := time.After(2 * time.Second)
	for src.Snapshot().Version() < 3 {
		select {
		case <-deadline:
			t.Fatal("auto reload did not run")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRuleSource_NilStore(t *testing.T) {
	src := NewRuleSource(nil)
	src.Logger = discardLogger()
	if rs := src.Load(context.Background()); rs.Count() != 0 || rs.Version() != 1 {
		t.Errorf("nil store load = %d rules, version %d", rs.Count(), rs.Version())
	}
}
