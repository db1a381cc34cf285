package harcap

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type rotatorFunc func() (string, error)

func (f rotatorFunc) RotateTrace() (string, error) { return f() }

func TestNewRotationScheduler_InvalidSchedule(t *testing.T) {
	for _, schedule := range []string{"", "every day", "61 * * * *", "@fortnightly"} {
		if _, err := NewRotationScheduler(rotatorFunc(nil), schedule, discardLogger()); err == nil {
			t.Errorf("schedule %q accepted", schedule)
		}
	}
}

func TestRotationScheduler_StartStop(t *testing.T) {
	s, err := NewRotationScheduler(rotatorFunc(func() (string, error) { return "x", nil }), "@hourly", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !s.NextRun().IsZero() {
		t.Error("NextRun set before Start")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	next := s.NextRun()
	if next.IsZero() || next.Sub(time.Now()) > time.Hour {
		t.Errorf("NextRun = %v", next)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Errorf("%d cron entries after double Start, want 1", n)
	}

	s.Stop()
	s.Stop()
	if !s.NextRun().IsZero() {
		t.Error("NextRun set after Stop")
	}
}

func TestRotationScheduler_Rotates(t *testing.T) {
	var calls atomic.Int32
	target := rotatorFunc(func() (string, error) {
		if calls.Add(1) == 1 {
			return "", ErrNotRunning
		}
		return "trace-1.jsonl", nil
	})

	s, err := NewRotationScheduler(target, "@every 1s", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.After(5 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("rotation ran %d times, want 2", calls.Load())
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func TestRotationScheduler_RotateErrorsAreLogged(t *testing.T) {
	s, err := NewRotationScheduler(rotatorFunc(func() (string, error) {
		return "", errors.New("rename failed")
	}), "@daily", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	// rotate must not panic on writer errors or a stopped capture.
	s.rotate()

	s.target = rotatorFunc(func() (string, error) { return "", ErrNotRunning })
	s.rotate()
}

func TestRotationScheduler_Lifecycle(t *testing.T) {
	lc, _ := newTestLifecycle(t, NewStaticRuleStore(nil, nil))
	s, err := NewRotationScheduler(lc, "@daily", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.rotate()

	if err := lc.Start(t.Context(), 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := lc.RotateTrace(); err != nil {
		t.Errorf("RotateTrace via scheduler target: %v", err)
	}
}
