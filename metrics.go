package harcap

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the capture proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	tlsHandshakeErrs prometheus.Counter
	upstreamErrors   *prometheus.CounterVec

	flowsAdmitted  prometheus.Counter
	flowsDropped   *prometheus.CounterVec
	flowsRetained  prometheus.Counter
	flowsDiscarded *prometheus.CounterVec
	flowsExpired   prometheus.Counter
	flowsMissed    prometheus.Counter
	pendingFlows   prometheus.Gauge

	traceWritten prometheus.Counter
	traceDropped prometheus.Counter
	traceErrors  prometheus.Counter
	traceQueue   prometheus.Gauge

	ruleCount      prometheus.Gauge
	ruleReloads    prometheus.Counter
	ruleReloadErrs prometheus.Counter
	lifecycleState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harcap",
			Name:      "requests_total",
			Help:      "Total number of requests seen by the proxy.",
		}, []string{"method", "scheme"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harcap",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harcap",
			Name:      "active_connections",
			Help:      "Number of active proxy connections.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harcap",
			Name:      "cert_cache_size",
			Help:      "Number of cached TLS certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harcap",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream round-trip errors.",
		}, []string{"host"}),

		flowsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "flows",
			Name:      "admitted_total",
			Help:      "Requests admitted by the request filter.",
		}),

		flowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "flows",
			Name:      "dropped_total",
			Help:      "Requests dropped by the request filter.",
		}, []string{"reason"}),

		flowsRetained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "flows",
			Name:      "retained_total",
			Help:      "Responses retained by the response filter.",
		}),

		flowsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "flows",
			Name:      "discarded_total",
			Help:      "Responses discarded by the response filter.",
		}, []string{"reason"}),

		flowsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "flows",
			Name:      "expired_total",
			Help:      "Pending flows evicted without a response.",
		}),

		flowsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "flows",
			Name:      "correlation_misses_total",
			Help:      "Responses whose flow id had no pending request.",
		}),

		pendingFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harcap",
			Subsystem: "flows",
			Name:      "pending",
			Help:      "Admitted requests awaiting a response.",
		}),

		traceWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "trace",
			Name:      "written_total",
			Help:      "Trace records persisted.",
		}),

		traceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "trace",
			Name:      "dropped_total",
			Help:      "Trace records dropped because the queue was full.",
		}),

		traceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Subsystem: "trace",
			Name:      "write_errors_total",
			Help:      "Trace records that failed to persist.",
		}),

		traceQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harcap",
			Subsystem: "trace",
			Name:      "queue_depth",
			Help:      "Trace records waiting to be persisted.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harcap",
			Name:      "rule_count",
			Help:      "Number of rules in the active rule set.",
		}),

		ruleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Name:      "rule_reloads_total",
			Help:      "Number of successful rule loads.",
		}),

		ruleReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harcap",
			Name:      "rule_reload_errors_total",
			Help:      "Number of failed rule loads.",
		}),

		lifecycleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "harcap",
			Name:      "lifecycle_state",
			Help:      "1 for the current proxy lifecycle state, 0 otherwise.",
		}, []string{"state"}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.tlsHandshakeErrs,
		m.upstreamErrors,
		m.flowsAdmitted,
		m.flowsDropped,
		m.flowsRetained,
		m.flowsDiscarded,
		m.flowsExpired,
		m.flowsMissed,
		m.pendingFlows,
		m.traceWritten,
		m.traceDropped,
		m.traceErrors,
		m.traceQueue,
		m.ruleCount,
		m.ruleReloads,
		m.ruleReloadErrs,
		m.lifecycleState,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a request seen by the proxy.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// RecordUpstreamError records an upstream round-trip error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordAdmitted records a request admitted for capture.
func (m *Metrics) RecordAdmitted() {
	m.flowsAdmitted.Inc()
}

// RecordDropped records a request dropped by the request filter.
func (m *Metrics) RecordDropped(reason string) {
	m.flowsDropped.WithLabelValues(reason).Inc()
}

// RecordRetained records a response retained for the trace.
func (m *Metrics) RecordRetained() {
	m.flowsRetained.Inc()
}

// RecordDiscarded records a response discarded by the response filter.
func (m *Metrics) RecordDiscarded(reason string) {
	m.flowsDiscarded.WithLabelValues(reason).Inc()
}

// RecordExpired records pending flows evicted by the sweeper.
func (m *Metrics) RecordExpired(n int) {
	m.flowsExpired.Add(float64(n))
}

// RecordCorrelationMiss records a response with no pending request.
func (m *Metrics) RecordCorrelationMiss() {
	m.flowsMissed.Inc()
}

// SetPendingFlows sets the pending flow gauge.
func (m *Metrics) SetPendingFlows(n int) {
	m.pendingFlows.Set(float64(n))
}

// RecordTraceWritten records a persisted trace record.
func (m *Metrics) RecordTraceWritten() {
	m.traceWritten.Inc()
}

// RecordTraceDropped records a trace record dropped on a full queue.
func (m *Metrics) RecordTraceDropped() {
	m.traceDropped.Inc()
}

// RecordTraceError records a trace record that failed to persist.
func (m *Metrics) RecordTraceError() {
	m.traceErrors.Inc()
}

// SetTraceQueueDepth sets the trace queue depth gauge.
func (m *Metrics) SetTraceQueueDepth(n int) {
	m.traceQueue.Set(float64(n))
}

// SetRuleCount sets the active rule count.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// RecordRuleReload records a successful rule load.
func (m *Metrics) RecordRuleReload() {
	m.ruleReloads.Inc()
}

// RecordRuleReloadError records a failed rule load.
func (m *Metrics) RecordRuleReloadError() {
	m.ruleReloadErrs.Inc()
}

// SetLifecycleState marks state as the current lifecycle state.
func (m *Metrics) SetLifecycleState(state State) {
	for _, s := range []State{StateStopped, StateStarting, StateRunning, StateStopping} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.lifecycleState.WithLabelValues(s.String()).Set(v)
	}
}
