package harcap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RulesWatcher reloads rules when a rule file changes on disk. Bursts of
// events are coalesced into one reload after Debounce.
type RulesWatcher struct {
	path   string
	target RuleReloader

	// Debounce is the quiet period before a reload fires.
	Debounce time.Duration

	// Logger for watch events.
	Logger *slog.Logger

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewRulesWatcher creates a watcher for path. The parent directory is
// watched so that editors which replace the file are handled.
func NewRulesWatcher(path string, target RuleReloader) (*RulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &RulesWatcher{
		path:     abs,
		target:   target,
		Debounce: 250 * time.Millisecond,
		Logger:   slog.Default(),
		watcher:  w,
	}, nil
}

// Run processes file events until ctx is cancelled. It closes the
// underlying watcher before returning.
func (rw *RulesWatcher) Run(ctx context.Context) error {
	defer func() {
		rw.mu.Lock()
		if rw.timer != nil {
			rw.timer.Stop()
		}
		rw.mu.Unlock()
		_ = rw.watcher.Close()
	}()

	rw.Logger.Info("watching rules file", "path", rw.path, "debounce", rw.Debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return errors.New("rules watcher events channel closed")
			}
			if !rw.relevant(ev) {
				continue
			}
			rw.Logger.Debug("rules file event", "path", ev.Name, "op", ev.Op.String())
			rw.schedule(ctx)

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return errors.New("rules watcher errors channel closed")
			}
			rw.Logger.Error("rules watcher error", "error", err)
		}
	}
}

func (rw *RulesWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != rw.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (rw *RulesWatcher) schedule(ctx context.Context) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.timer = time.AfterFunc(rw.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		rs, err := rw.target.ReloadRules(ctx)
		if err != nil {
			rw.Logger.Warn("rule reload after file change skipped", "error", err)
			return
		}
		rw.Logger.Info("rules reloaded after file change", "version", rs.Version(), "rules", rs.Count())
	})
}
