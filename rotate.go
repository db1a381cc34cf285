package harcap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TraceRotator starts a new trace file. Lifecycle implements it.
type TraceRotator interface {
	RotateTrace() (string, error)
}

// RotationScheduler rotates the trace file on a cron schedule, e.g.
// "0 * * * *" for hourly files or "@daily".
type RotationScheduler struct {
	target   TraceRotator
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRotationScheduler validates schedule and returns a stopped scheduler.
func NewRotationScheduler(target TraceRotator, schedule string, logger *slog.Logger) (*RotationScheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid rotation schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationScheduler{
		target:   target,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
	}, nil
}

// Start begins scheduled rotation.
func (s *RotationScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.rotate); err != nil {
		return fmt.Errorf("schedule rotation: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("trace rotation scheduled", "schedule", s.schedule)
	return nil
}

func (s *RotationScheduler) rotate() {
	rotated, err := s.target.RotateTrace()
	switch {
	case errors.Is(err, ErrNotRunning):
		s.logger.Debug("trace rotation skipped, capture not running")
	case err != nil:
		s.logger.Error("trace rotation failed", "error", err)
	default:
		s.logger.Info("trace rotated", "file", rotated)
	}
}

// Stop stops the scheduler and waits for a running rotation to finish.
func (s *RotationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("trace rotation stopped")
}

// NextRun returns the next scheduled rotation, or the zero time when the
// scheduler is not running.
func (s *RotationScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
