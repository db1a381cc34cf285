package harcap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// State is a capture lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateStopped, StateStarting, StateRunning, StateStopping} {
		if string(b) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", b)
}

// Capture modes reported by Status.
const (
	ModeIntercept   = "intercept"
	ModePassthrough = "passthrough"
)

// StateChange is delivered to OnStateChange observers.
type StateChange struct {
	From State
	To   State
	At   time.Time

	// Err is set when the transition was caused by a failure.
	Err error
}

// Status is a point-in-time view of the capture session.
type Status struct {
	Running      bool      `json:"running"`
	Port         int       `json:"port"`
	Mode         string    `json:"mode,omitempty"`
	State        State     `json:"state"`
	Addr         string    `json:"addr,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	RuleVersion  uint64    `json:"rule_version"`
	RuleCount    int       `json:"rule_count"`
	PendingFlows int       `json:"pending_flows"`
	TraceQueue   int       `json:"trace_queue"`
	LastError    string    `json:"last_error,omitempty"`
}

// TraceWriterFactory opens the trace writer for a new session.
type TraceWriterFactory func() (TraceWriter, error)

// LifecycleConfig configures capture sessions.
type LifecycleConfig struct {
	// BindHost is the interface the engine listens on. Empty means all.
	BindHost string

	// StopTimeout bounds how long Stop waits for the engine to exit.
	StopTimeout time.Duration

	// ReloadInterval, when positive, reloads rules periodically.
	ReloadInterval time.Duration

	// TraceQueueSize is the TraceSink queue length.
	TraceQueueSize int

	// Correlator bounds pending flow state.
	Correlator CorrelatorConfig
}

// session is one STARTING..STOPPED run. It implements Interceptor.
type session struct {
	rules      *RuleSource
	correlator *FlowCorrelator
	sink       *TraceSink
	writer     TraceWriter
	engine     Engine

	port      int
	addr      string
	tls       bool
	startedAt time.Time

	stopReload context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger

	// ready is set under Lifecycle.mu once startSession has filled in
	// the fields above. Readers outside Start check it first.
	ready bool
}

func (s *session) OnRequest(ev *RequestEvent) (string, bool) {
	return s.correlator.Begin(ev)
}

func (s *session) OnRequestBody(flowID string, body []byte, size int64) {
	s.correlator.AttachBody(flowID, body, size)
}

func (s *session) OnError(flowID string, err error) {
	s.correlator.Abandon(flowID, "upstream error: "+err.Error())
}

func (s *session) OnResponse(flowID string, ev *ResponseEvent) {
	rec, ok := s.correlator.Complete(flowID, ev)
	if !ok {
		return
	}
	if err := s.sink.Append(rec); err != nil {
		s.logger.Debug("trace record not queued", "flow_id", flowID, "error", err)
	}
}

// teardown discards pending flows and drains the sink.
func (s *session) teardown() {
	if s.stopReload != nil {
		s.stopReload()
	}
	s.correlator.Close()
	if err := s.sink.Close(); err != nil {
		s.logger.Error("close trace writer", "error", err)
	}
}

// Lifecycle owns the capture session: it starts and stops the interception
// engine and swaps rules while running. One Lifecycle per process.
type Lifecycle struct {
	store     RuleStore
	newEngine EngineFactory
	newWriter TraceWriterFactory
	cfg       LifecycleConfig

	mu        sync.Mutex
	state     State
	sess      *session
	lastErr   error
	observers []func(StateChange)

	// Logger for lifecycle events.
	Logger *slog.Logger

	// Metrics is shared with every session component (optional).
	Metrics *Metrics

	// CaptureLog records per-flow decisions (optional).
	CaptureLog *CaptureLogger

	// Redactor masks sensitive values in stored flows (optional).
	Redactor *Redactor
}

// NewLifecycle creates a stopped Lifecycle.
func NewLifecycle(store RuleStore, engines EngineFactory, writers TraceWriterFactory, cfg LifecycleConfig) *Lifecycle {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Lifecycle{
		store:     store,
		newEngine: engines,
		newWriter: writers,
		cfg:       cfg,
		Logger:    slog.Default(),
	}
}

// OnStateChange registers fn to receive every state transition, including
// asynchronous engine failures. fn must not call back into the Lifecycle
// synchronously.
func (l *Lifecycle) OnStateChange(fn func(StateChange)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// setState must be called with l.mu held. It returns the notification to
// deliver once the lock is released.
func (l *Lifecycle) setState(to State, err error) func() {
	ch := StateChange{From: l.state, To: to, At: time.Now(), Err: err}
	l.state = to
	if l.Metrics != nil {
		l.Metrics.SetLifecycleState(to)
	}
	observers := append([]func(StateChange)(nil), l.observers...)
	return func() {
		for _, fn := range observers {
			fn(ch)
		}
	}
}

// Start loads the rules, opens the trace writer and starts the engine on
// port. It returns once the engine is listening. Port 0 picks a free port.
func (l *Lifecycle) Start(ctx context.Context, port int, tlsEnabled bool) error {
	l.mu.Lock()
	if l.state != StateStopped {
		st := l.state
		l.mu.Unlock()
		return &LifecycleError{Op: "start", State: st, Err: ErrAlreadyRunning}
	}
	notify := l.setState(StateStarting, nil)
	l.lastErr = nil

	logger := l.Logger
	rules := NewRuleSource(l.store)
	rules.Logger = logger
	rules.Metrics = l.Metrics

	sess := &session{
		rules:  rules,
		tls:    tlsEnabled,
		done:   make(chan struct{}),
		logger: logger,
	}
	l.sess = sess
	l.mu.Unlock()
	notify()

	rs := rules.Load(ctx)
	logger.Info("starting capture", "port", port, "tls", tlsEnabled, "rules", rs.Count())

	if err := l.startSession(ctx, sess, port); err != nil {
		l.mu.Lock()
		l.sess = nil
		l.lastErr = err
		notify := l.setState(StateStopped, err)
		l.mu.Unlock()
		notify()
		logger.Error("capture start failed", "error", err)
		return err
	}

	l.mu.Lock()
	if l.sess != sess {
		// The engine failed before it was marked running.
		err := l.lastErr
		l.mu.Unlock()
		return err
	}
	sess.ready = true
	notify = l.setState(StateRunning, nil)
	l.mu.Unlock()
	notify()

	logger.Info("capture running", "addr", sess.addr, "mode", modeName(tlsEnabled))
	return nil
}

func (l *Lifecycle) startSession(ctx context.Context, sess *session, port int) error {
	writer, err := l.newWriter()
	if err != nil {
		return fmt.Errorf("open trace writer: %w", err)
	}
	sess.writer = writer
	sess.sink = NewTraceSink(writer, l.cfg.TraceQueueSize, sess.logger)
	sess.sink.Metrics = l.Metrics

	c := NewFlowCorrelator(sess.rules, l.cfg.Correlator)
	c.Logger = sess.logger
	c.Metrics = l.Metrics
	c.CaptureLog = l.CaptureLog
	c.Redactor = l.Redactor
	sess.correlator = c

	engine, err := l.newEngine(sess.tls, sess)
	if err != nil {
		sess.teardown()
		return fmt.Errorf("create engine: %w", err)
	}
	sess.engine = engine

	addr, err := engine.Listen(net.JoinHostPort(l.cfg.BindHost, strconv.Itoa(port)))
	if err != nil {
		sess.teardown()
		return err
	}
	sess.addr = addr.String()
	sess.port = port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		sess.port = tcp.Port
	}
	sess.startedAt = time.Now()

	c.StartSweeper()
	if l.cfg.ReloadInterval > 0 {
		sess.stopReload = sess.rules.StartAutoReload(context.WithoutCancel(ctx), l.cfg.ReloadInterval)
	}

	go l.serve(sess)
	return nil
}

// serve runs the engine on its own goroutine. An exit that Stop did not
// ask for is an EngineFailure.
func (l *Lifecycle) serve(sess *session) {
	err := sess.engine.Serve()
	close(sess.done)

	l.mu.Lock()
	if l.sess != sess || l.state == StateStopping || l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	if err == nil {
		err = errors.New("engine exited unexpectedly")
	}
	failure := &EngineFailure{Err: err}
	l.lastErr = failure
	l.sess = nil
	notify := l.setState(StateStopped, failure)
	l.mu.Unlock()

	l.Logger.Error("interception engine failed", "error", err, "pending", sess.correlator.Pending())
	sess.teardown()
	notify()
}

// Stop shuts the engine down and waits up to StopTimeout for it to exit.
// Pending flows are discarded; queued trace records are written before
// Stop returns. A timed-out wait still ends in STOPPED.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateRunning {
		st := l.state
		l.mu.Unlock()
		return &LifecycleError{Op: "stop", State: st, Err: ErrNotRunning}
	}
	sess := l.sess
	notify := l.setState(StateStopping, nil)
	l.mu.Unlock()
	notify()

	sctx, cancel := context.WithTimeout(ctx, l.cfg.StopTimeout)
	defer cancel()

	if err := sess.engine.Shutdown(sctx); err != nil {
		l.Logger.Warn("engine shutdown", "error", err)
	}
	select {
	case <-sess.done:
	case <-sctx.Done():
		l.Logger.Warn("engine did not stop in time, forcing STOPPED", "timeout", l.cfg.StopTimeout)
	}

	pending := sess.correlator.Pending()
	sess.teardown()

	l.mu.Lock()
	l.sess = nil
	notify = l.setState(StateStopped, nil)
	l.mu.Unlock()
	notify()

	l.Logger.Info("capture stopped", "discarded_pending", pending)
	return nil
}

// ReloadRules swaps in a freshly loaded RuleSet. It is valid in any state
// but STOPPED and never touches the engine or pending flows.
func (l *Lifecycle) ReloadRules(ctx context.Context) (*RuleSet, error) {
	l.mu.Lock()
	sess := l.sess
	st := l.state
	l.mu.Unlock()

	if st == StateStopped || sess == nil {
		return nil, &LifecycleError{Op: "reload", State: st, Err: ErrNotRunning}
	}
	return sess.rules.Reload(ctx), nil
}

// Status reports the session state.
func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	sess := l.sess
	ready := sess != nil && sess.ready
	st := Status{State: l.state, Running: l.state == StateRunning}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	l.mu.Unlock()

	if sess == nil {
		return st
	}
	st.Mode = modeName(sess.tls)
	rs := sess.rules.Snapshot()
	st.RuleVersion = rs.Version()
	st.RuleCount = rs.Count()
	if !ready {
		return st
	}
	st.Port = sess.port
	st.Addr = sess.addr
	st.StartedAt = sess.startedAt
	st.PendingFlows = sess.correlator.Pending()
	st.TraceQueue = sess.sink.Len()
	return st
}

// Rules returns the active RuleSet, or nil when stopped.
func (l *Lifecycle) Rules() *RuleSet {
	l.mu.Lock()
	sess := l.sess
	l.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.rules.Snapshot()
}

// PendingFlows lists flows awaiting a response.
func (l *Lifecycle) PendingFlows() []FlowView {
	l.mu.Lock()
	sess := l.sess
	ready := sess != nil && sess.ready
	l.mu.Unlock()
	if !ready {
		return nil
	}
	return sess.correlator.Flows()
}

// Rotator is implemented by trace writers that can start a new file.
type Rotator interface {
	Rotate() (string, error)
}

// RotateTrace rotates the running session's trace writer. It returns
// ErrNotRunning when no session is active.
func (l *Lifecycle) RotateTrace() (string, error) {
	l.mu.Lock()
	sess := l.sess
	running := l.state == StateRunning
	l.mu.Unlock()
	if !running || sess == nil {
		return "", ErrNotRunning
	}
	r, ok := sess.writer.(Rotator)
	if !ok {
		return "", fmt.Errorf("trace writer %T does not rotate", sess.writer)
	}
	return r.Rotate()
}

func modeName(tlsEnabled bool) string {
	if tlsEnabled {
		return ModeIntercept
	}
	return ModePassthrough
}
