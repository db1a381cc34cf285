package harcap

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness checks. Readiness follows
// the capture lifecycle: the process is ready only while a session is
// RUNNING and every ReadinessCheck passes.
type HealthChecker struct {
	alive atomic.Bool

	startTime time.Time

	// State reports the current lifecycle state. When nil the checker is
	// never ready.
	State func() State

	// ReadinessChecks are optional functions that must all return nil
	// for the readiness check to pass.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck is a function that returns nil if the component is ready,
// or an error describing why it is not.
type ReadinessCheck func() error

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	State   string   `json:"state,omitempty"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker that reports readiness from
// state.
func NewHealthChecker(state func() State) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		State:     state,
	}
}

// SetAlive marks the process as alive (liveness check passes).
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// IsAlive returns true if the process is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

func (h *HealthChecker) state() State {
	if h.State == nil {
		return StateStopped
	}
	return h.State()
}

// IsReady returns true while capture is running and all checks pass.
func (h *HealthChecker) IsReady() bool {
	if h.state() != StateRunning {
		return false
	}

	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			return false
		}
	}

	return true
}

// HandleHealthz handles the /healthz liveness endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		State:  h.state().String(),
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if h.IsAlive() {
		resp.Status = "ok"
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// HandleReadyz handles the /readyz readiness endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	state := h.state()
	resp := HealthResponse{
		State:  state.String(),
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if state != StateRunning {
		resp.Status = "not ready"
		resp.Reason = "capture not running"
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	var failures []string
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		resp.Status = "ok"
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(resp)
}
