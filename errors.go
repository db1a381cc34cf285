package harcap

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	// ErrInvalidRule is wrapped by every ConfigError.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrCorrelationMiss is reported when a response arrives for a flow ID
	// that is unknown, already completed, or already expired.
	ErrCorrelationMiss = errors.New("correlation miss")

	// ErrSinkClosed is returned by TraceSink.Append after Close.
	ErrSinkClosed = errors.New("trace sink closed")

	// ErrAlreadyRunning is wrapped by the LifecycleError returned from Start
	// when a capture session is already active.
	ErrAlreadyRunning = errors.New("capture already running")

	// ErrNotRunning is wrapped by the LifecycleError returned from Stop and
	// ReloadRules when no capture session is active.
	ErrNotRunning = errors.New("capture not running")
)

// ConfigError reports a rule that failed validation while a RuleSet was
// being built. The rule is skipped; the rest of the load continues.
type ConfigError struct {
	Kind    string
	Pattern string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s rule %q: %v", e.Kind, e.Pattern, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidRule, e.Err}
}

// PersistenceError reports a trace record that could not be written.
// The record is lost; capture continues.
type PersistenceError struct {
	FlowID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist flow %s: %v", e.FlowID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// LifecycleError is returned synchronously by control operations issued in
// the wrong state. No state change happens when it is returned.
type LifecycleError struct {
	Op    string
	State State
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %v (state %s)", e.Op, e.Err, e.State)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// EngineFailure records an interception engine that exited on its own while
// the capture session was running.
type EngineFailure struct {
	Err error
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("interception engine failed: %v", e.Err)
}

func (e *EngineFailure) Unwrap() error { return e.Err }
