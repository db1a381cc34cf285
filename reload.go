package harcap

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// RuleReloader swaps in a freshly loaded RuleSet. Lifecycle implements it.
type RuleReloader interface {
	ReloadRules(ctx context.Context) (*RuleSet, error)
}

// SIGHUPReloader watches for SIGHUP signals and reloads capture rules.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that calls target.ReloadRules on every
// SIGHUP. Reloads while capture is stopped are logged and ignored.
func WatchSIGHUP(target RuleReloader, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading rules")
				rs, err := target.ReloadRules(ctx)
				if err != nil {
					logger.Warn("rule reload skipped", "error", err)
					continue
				}
				logger.Info("rules reloaded", "version", rs.Version(), "rules", rs.Count())
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
