package harcap

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshotter hands out the currently active RuleSet.
type Snapshotter interface {
	Snapshot() *RuleSet
}

// RuleSource owns the active RuleSet and swaps it atomically on reload.
// Readers call Snapshot and keep the returned pointer for the duration of
// one evaluation; they never block and never observe a partial update.
type RuleSource struct {
	store   RuleStore
	current atomic.Pointer[RuleSet]
	version atomic.Uint64

	// loadMu serializes Load calls so versions are installed in order.
	loadMu sync.Mutex

	// Logger for load events.
	Logger *slog.Logger

	// Metrics records reloads and rule counts (optional).
	Metrics *Metrics

	// OnReload is called after each snapshot swap (optional).
	OnReload func(rs *RuleSet)
}

// NewRuleSource creates a source backed by store. Until Load is called the
// active snapshot is empty.
func NewRuleSource(store RuleStore) *RuleSource {
	s := &RuleSource{
		store:  store,
		Logger: slog.Default(),
	}
	s.current.Store(EmptyRuleSet())
	return s
}

// Snapshot returns the active RuleSet. It never returns nil.
func (s *RuleSource) Snapshot() *RuleSet {
	return s.current.Load()
}

// Load fetches enabled rules from the store and installs a new snapshot.
// If the store fails, an empty snapshot is installed instead so capture
// keeps running; invalid individual rules are logged and skipped.
func (s *RuleSource) Load(ctx context.Context) *RuleSet {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	rs, err := s.fetch(ctx)
	if err != nil {
		s.Logger.Error("rule load failed, continuing with empty rule set", "error", err)
		if s.Metrics != nil {
			s.Metrics.RecordRuleReloadError()
		}
		rs = EmptyRuleSet()
	} else if s.Metrics != nil {
		s.Metrics.RecordRuleReload()
	}

	rs.withVersion(s.version.Add(1))
	s.current.Store(rs)

	if s.Metrics != nil {
		s.Metrics.SetRuleCount(rs.Count())
	}
	s.Logger.Info("rule set installed",
		"version", rs.Version(),
		"filter_rules", len(rs.filterRules),
		"host_rules", len(rs.hostRules),
	)
	if s.OnReload != nil {
		s.OnReload(rs)
	}
	return rs
}

// Reload is Load under its control-surface name.
func (s *RuleSource) Reload(ctx context.Context) *RuleSet {
	return s.Load(ctx)
}

func (s *RuleSource) fetch(ctx context.Context) (*RuleSet, error) {
	if s.store == nil {
		return EmptyRuleSet(), nil
	}

	filters, err := s.store.ListFilterRules(ctx, true)
	if err != nil {
		return nil, err
	}
	hosts, err := s.store.ListHostRules(ctx, true)
	if err != nil {
		return nil, err
	}

	rs, errs := NewRuleSet(filters, hosts)
	for _, e := range errs {
		s.Logger.Warn("skipping invalid rule", "error", e)
	}
	return rs, nil
}

// StartAutoReload reloads rules every interval until the returned cancel
// function is called or ctx ends.
func (s *RuleSource) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Load(ctx)
			}
		}
	}()

	return cancel
}
