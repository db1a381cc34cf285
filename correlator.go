package harcap

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// pendingFlow is an admitted request waiting for its response. It is owned
// by the FlowCorrelator; nothing outside it holds a pointer to one.
type pendingFlow struct {
	id         string
	method     string
	url        string
	host       string
	path       string
	proto      string
	header     http.Header
	params     url.Values
	remoteAddr string
	createdAt  time.Time

	mu       sync.Mutex // guards body and bodySize
	body     []byte
	bodySize int64
}

func (f *pendingFlow) requestBody() ([]byte, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.body, f.bodySize
}

func (f *pendingFlow) view(now time.Time) FlowView {
	return FlowView{
		ID:        f.id,
		Method:    f.method,
		URL:       f.url,
		Host:      f.host,
		Path:      f.path,
		CreatedAt: f.createdAt,
		Age:       now.Sub(f.createdAt),
	}
}

// FlowView is a read-only copy of a pending flow.
type FlowView struct {
	ID        string        `json:"id"`
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Host      string        `json:"host"`
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"created_at"`
	Age       time.Duration `json:"age"`
}

// CorrelatorConfig bounds pending flow state.
type CorrelatorConfig struct {
	// PendingTimeout is how long a flow may wait for its response.
	PendingTimeout time.Duration

	// SweepInterval is how often expired flows are evicted.
	SweepInterval time.Duration

	// MaxBodyBytes caps decoded response bodies.
	MaxBodyBytes int64
}

// DefaultCorrelatorConfig returns the default bounds.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		PendingTimeout: 5 * time.Minute,
		SweepInterval:  30 * time.Second,
		MaxBodyBytes:   10 << 20,
	}
}

// FlowCorrelator pairs admitted requests with their responses. Begin and
// Complete are safe to call from any number of connection goroutines.
type FlowCorrelator struct {
	rules   Snapshotter
	cfg     CorrelatorConfig
	pending sync.Map // flow id -> *pendingFlow
	count   atomic.Int64
	closed  atomic.Bool

	reqFilter  RequestFilter
	respFilter ResponseFilter

	// Logger for anomalies (expiry, correlation misses).
	Logger *slog.Logger

	// Metrics records flow outcomes (optional).
	Metrics *Metrics

	// CaptureLog records one line per decision (optional).
	CaptureLog *CaptureLogger

	// Redactor masks sensitive values before they are stored (optional).
	Redactor *Redactor

	now   func() time.Time
	newID func() string

	done     chan struct{}
	stopOnce sync.Once
}

// NewFlowCorrelator creates a correlator that evaluates flows against the
// snapshots handed out by rules.
func NewFlowCorrelator(rules Snapshotter, cfg CorrelatorConfig) *FlowCorrelator {
	def := DefaultCorrelatorConfig()
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return &FlowCorrelator{
		rules:  rules,
		cfg:    cfg,
		Logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
		done:   make(chan struct{}),
	}
}

// Begin evaluates ev against the active rules. When the request is admitted
// a pending flow is stored and its ID returned; otherwise nothing is kept
// and ok is false.
func (c *FlowCorrelator) Begin(ev *RequestEvent) (flowID string, ok bool) {
	if c.closed.Load() {
		return "", false
	}

	path, params := splitURL(ev.URL)
	dec := c.reqFilter.Evaluate(c.rules.Snapshot(), ev)
	if !dec.Admit {
		if c.Metrics != nil {
			c.Metrics.RecordDropped(dropLabel(dec))
		}
		c.CaptureLog.Log(CaptureLogEntry{
			Timestamp:  c.now(),
			Outcome:    OutcomeDropped,
			Method:     ev.Method,
			Host:       ev.Host,
			Path:       path,
			ClientAddr: ev.RemoteAddr,
			Reason:     dec.Reason,
		})
		return "", false
	}

	header := ev.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	c.Redactor.Header(header)
	c.Redactor.Query(params)

	created := ev.Time
	if created.IsZero() {
		created = c.now()
	}

	f := &pendingFlow{
		id:         c.newID(),
		method:     ev.Method,
		url:        c.Redactor.URL(ev.URL),
		host:       ev.Host,
		path:       path,
		proto:      ev.Proto,
		header:     header,
		params:     params,
		body:       c.Redactor.Body(header.Get("Content-Type"), ev.Body),
		bodySize:   ev.BodySize,
		remoteAddr: ev.RemoteAddr,
		createdAt:  created,
	}
	c.pending.Store(f.id, f)
	n := c.count.Add(1)

	if c.Metrics != nil {
		c.Metrics.RecordAdmitted()
		c.Metrics.SetPendingFlows(int(n))
	}
	c.CaptureLog.Log(CaptureLogEntry{
		Timestamp:  created,
		Outcome:    OutcomeAdmitted,
		FlowID:     f.id,
		Method:     f.method,
		Host:       f.host,
		Path:       f.path,
		BodySize:   f.bodySize,
		ClientAddr: f.remoteAddr,
	})
	return f.id, true
}

// Complete resolves the pending flow flowID with ev. It returns a record
// only when the flow was pending and the response is retained; unknown,
// expired and already completed IDs are a no-op.
func (c *FlowCorrelator) Complete(flowID string, ev *ResponseEvent) (*TraceRecord, bool) {
	v, loaded := c.pending.LoadAndDelete(flowID)
	if !loaded {
		c.Logger.Debug("response for unknown flow", "flow_id", flowID, "error", ErrCorrelationMiss)
		if c.Metrics != nil {
			c.Metrics.RecordCorrelationMiss()
		}
		c.CaptureLog.Log(CaptureLogEntry{
			Timestamp:  c.now(),
			Outcome:    OutcomeMissed,
			FlowID:     flowID,
			StatusCode: ev.Status,
			Reason:     ErrCorrelationMiss.Error(),
		})
		return nil, false
	}
	f := v.(*pendingFlow)
	n := c.count.Add(-1)
	if c.Metrics != nil {
		c.Metrics.SetPendingFlows(int(n))
	}

	if ev.Time.IsZero() {
		ev.Time = c.now()
	}

	dec := c.respFilter.Evaluate(c.rules.Snapshot(), ev)
	entry := CaptureLogEntry{
		Timestamp:  ev.Time,
		FlowID:     f.id,
		Method:     f.method,
		Host:       f.host,
		Path:       f.path,
		StatusCode: ev.Status,
		Duration:   ev.Time.Sub(f.createdAt),
		BodySize:   ev.BodySize,
		ClientAddr: f.remoteAddr,
	}
	if !dec.Retain {
		if c.Metrics != nil {
			c.Metrics.RecordDiscarded(discardLabel(dec))
		}
		entry.Outcome = OutcomeDiscarded
		entry.Reason = dec.Reason
		c.CaptureLog.Log(entry)
		return nil, false
	}

	rec := newTraceRecord(f, ev, c.cfg.MaxBodyBytes, c.Redactor)
	if c.Metrics != nil {
		c.Metrics.RecordRetained()
	}
	entry.Outcome = OutcomeRetained
	entry.Duration = rec.Duration()
	c.CaptureLog.Log(entry)
	return rec, true
}

// AttachBody stores the captured request body of a pending flow. It
// reports false when flowID is not pending.
func (c *FlowCorrelator) AttachBody(flowID string, body []byte, size int64) bool {
	v, ok := c.pending.Load(flowID)
	if !ok {
		return false
	}
	f := v.(*pendingFlow)
	body = c.Redactor.Body(f.header.Get("Content-Type"), body)

	f.mu.Lock()
	f.body, f.bodySize = body, size
	f.mu.Unlock()
	return true
}

// Abandon removes a pending flow whose exchange failed before a response
// arrived. Nothing is traced. It reports false when flowID is not pending.
func (c *FlowCorrelator) Abandon(flowID, reason string) bool {
	v, loaded := c.pending.LoadAndDelete(flowID)
	if !loaded {
		return false
	}
	f := v.(*pendingFlow)
	n := c.count.Add(-1)
	if c.Metrics != nil {
		c.Metrics.RecordDiscarded("upstream_error")
		c.Metrics.SetPendingFlows(int(n))
	}
	now := c.now()
	c.CaptureLog.Log(CaptureLogEntry{
		Timestamp:  now,
		Outcome:    OutcomeDiscarded,
		FlowID:     f.id,
		Method:     f.method,
		Host:       f.host,
		Path:       f.path,
		Duration:   now.Sub(f.createdAt),
		ClientAddr: f.remoteAddr,
		Reason:     reason,
	})
	return true
}

// Sweep evicts flows older than the pending timeout and returns how many
// were removed.
func (c *FlowCorrelator) Sweep() int {
	now := c.now()
	cutoff := now.Add(-c.cfg.PendingTimeout)
	expired := 0

	c.pending.Range(func(key, value any) bool {
		f := value.(*pendingFlow)
		if !f.createdAt.Before(cutoff) {
			return true
		}
		if !c.pending.CompareAndDelete(key, value) {
			return true
		}
		c.count.Add(-1)
		expired++
		c.Logger.Warn("pending flow expired",
			"flow_id", f.id,
			"method", f.method,
			"url", f.url,
			"age", now.Sub(f.createdAt),
		)
		c.CaptureLog.Log(CaptureLogEntry{
			Timestamp: now,
			Outcome:   OutcomeExpired,
			FlowID:    f.id,
			Method:    f.method,
			Host:      f.host,
			Path:      f.path,
			Duration:  now.Sub(f.createdAt),
		})
		return true
	})

	if c.Metrics != nil {
		if expired > 0 {
			c.Metrics.RecordExpired(expired)
		}
		c.Metrics.SetPendingFlows(c.Pending())
	}
	return expired
}

// StartSweeper runs Sweep every SweepInterval until Close is called.
func (c *FlowCorrelator) StartSweeper() {
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Close stops the sweeper and discards every pending flow. Later Begin
// calls admit nothing. It returns the number of flows discarded.
func (c *FlowCorrelator) Close() int {
	c.closed.Store(true)
	c.stopOnce.Do(func() { close(c.done) })

	discarded := 0
	c.pending.Range(func(key, _ any) bool {
		if _, ok := c.pending.LoadAndDelete(key); ok {
			c.count.Add(-1)
			discarded++
		}
		return true
	})
	if c.Metrics != nil {
		c.Metrics.SetPendingFlows(c.Pending())
	}
	if discarded > 0 {
		c.Logger.Info("discarded pending flows", "count", discarded)
	}
	return discarded
}

// Pending returns the number of flows awaiting a response.
func (c *FlowCorrelator) Pending() int {
	return int(c.count.Load())
}

// Flows returns a copy of every pending flow.
func (c *FlowCorrelator) Flows() []FlowView {
	now := c.now()
	var out []FlowView
	c.pending.Range(func(_, value any) bool {
		out = append(out, value.(*pendingFlow).view(now))
		return true
	})
	return out
}

func splitURL(raw string) (string, url.Values) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", url.Values{}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil && q == nil {
		q = url.Values{}
	}
	return path, q
}

func dropLabel(d RequestDecision) string {
	if d.Rule == nil {
		return "host"
	}
	return string(d.Rule.Kind)
}

func discardLabel(d ResponseDecision) string {
	if d.Rule == nil {
		return "empty_body"
	}
	return string(d.Rule.Kind)
}
