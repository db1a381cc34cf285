package harcap

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI is the control surface over a Lifecycle. It exposes routes for
// starting and stopping capture, reloading rules, and inspecting the active
// rule set and pending flows.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. All endpoints return JSON.
type AdminAPI struct {
	// Lifecycle is the capture session to control.
	Lifecycle *Lifecycle

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// DefaultPort and DefaultTLS are used by POST /start when the body
	// omits them.
	DefaultPort int
	DefaultTLS  bool

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to lc.
func NewAdminAPI(lc *Lifecycle) *AdminAPI {
	a := &AdminAPI{
		Lifecycle:   lc,
		Logger:      slog.Default(),
		PathPrefix:  "/api",
		DefaultPort: 8080,
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Post("/start", a.handleStart)
	r.Post("/stop", a.handleStop)
	r.Post("/reload", a.handleReload)
	r.Post("/rotate", a.handleRotate)
	r.Get("/rules", a.handleListRules)
	r.Get("/pending", a.handlePending)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// Routes returns a handler serving the admin API under PathPrefix along
// with /metrics, /healthz and /readyz. m and hc may be nil.
func (a *AdminAPI) Routes(m *Metrics, hc *HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount(a.PathPrefix, a.router)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	if hc != nil {
		r.Get("/healthz", hc.HandleHealthz)
		r.Get("/readyz", hc.HandleReadyz)
	}
	return r
}

// --------------------------------------------------------------------------
// Request and response types
// --------------------------------------------------------------------------

// StartRequest is the optional body for POST /api/start.
type StartRequest struct {
	Port       *int  `json:"port,omitempty"`
	TLSEnabled *bool `json:"tls_enabled,omitempty"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Version     uint64          `json:"version"`
	LoadedAt    time.Time       `json:"loaded_at"`
	FilterRules []RuleView      `json:"filter_rules"`
	HostRules   map[string]bool `json:"host_rules"`
}

// RuleView is the JSON form of a FilterRule.
type RuleView struct {
	Kind        RuleKind `json:"kind"`
	Pattern     string   `json:"pattern"`
	Enabled     bool     `json:"enabled"`
	Description string   `json:"description,omitempty"`
}

// PendingResponse is returned by GET /api/pending.
type PendingResponse struct {
	Count int        `json:"count"`
	Flows []FlowView `json:"flows"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Lifecycle.Status())
}

func (a *AdminAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	port, tlsEnabled := a.DefaultPort, a.DefaultTLS
	if req.Port != nil {
		port = *req.Port
	}
	if req.TLSEnabled != nil {
		tlsEnabled = *req.TLSEnabled
	}
	if port < 0 || port > 65535 {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "port out of range"})
		return
	}

	if err := a.Lifecycle.Start(r.Context(), port, tlsEnabled); err != nil {
		a.writeLifecycleError(w, "start", err)
		return
	}

	a.Logger.Info("capture started via admin API", "port", port, "tls", tlsEnabled)
	a.writeJSON(w, http.StatusOK, a.Lifecycle.Status())
}

func (a *AdminAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.Lifecycle.Stop(r.Context()); err != nil {
		a.writeLifecycleError(w, "stop", err)
		return
	}

	a.Logger.Info("capture stopped via admin API")
	a.writeJSON(w, http.StatusOK, a.Lifecycle.Status())
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	rs, err := a.Lifecycle.ReloadRules(r.Context())
	if err != nil {
		a.writeLifecycleError(w, "reload", err)
		return
	}

	a.Logger.Info("rules reloaded via admin API", "version", rs.Version(), "rules", rs.Count())
	a.writeJSON(w, http.StatusOK, rulesResponse(rs))
}

func (a *AdminAPI) handleRotate(w http.ResponseWriter, _ *http.Request) {
	rotated, err := a.Lifecycle.RotateTrace()
	if err != nil {
		a.writeLifecycleError(w, "rotate", err)
		return
	}

	a.Logger.Info("trace rotated via admin API", "file", rotated)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: rotated})
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rs := a.Lifecycle.Rules()
	if rs == nil {
		rs = EmptyRuleSet()
	}
	a.writeJSON(w, http.StatusOK, rulesResponse(rs))
}

func (a *AdminAPI) handlePending(w http.ResponseWriter, _ *http.Request) {
	flows := a.Lifecycle.PendingFlows()
	if flows == nil {
		flows = []FlowView{}
	}
	a.writeJSON(w, http.StatusOK, PendingResponse{Count: len(flows), Flows: flows})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func rulesResponse(rs *RuleSet) RulesResponse {
	rules := rs.FilterRules()
	views := make([]RuleView, 0, len(rules))
	for _, r := range rules {
		views = append(views, RuleView{
			Kind:        r.Kind,
			Pattern:     r.Pattern,
			Enabled:     r.Enabled,
			Description: r.Description,
		})
	}
	return RulesResponse{
		Version:     rs.Version(),
		LoadedAt:    rs.LoadedAt(),
		FilterRules: views,
		HostRules:   rs.HostRules(),
	}
}

func (a *AdminAPI) writeLifecycleError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	var lerr *LifecycleError
	if errors.As(err, &lerr) || errors.Is(err, ErrNotRunning) {
		status = http.StatusConflict
	}
	a.Logger.Warn("admin API "+op+" rejected", "error", err)
	a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
