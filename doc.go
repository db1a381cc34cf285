// Package harcap captures HTTP(S) traffic through an intercepting proxy
// and writes the interesting part of it to a trace file of HAR 1.2
// entries. Filter rules drop noise before it is tracked; host rules limit
// capture to an allow-list.
//
// # Architecture
//
// A capture session is owned by a [Lifecycle]. While running it wires an
// interception [Engine] (the default is [Proxy]) to a [FlowCorrelator]
// and a [TraceSink]:
//
//	engine -> OnRequest  -> RequestFilter  -> FlowCorrelator.Begin
//	engine -> OnResponse -> FlowCorrelator.Complete -> ResponseFilter
//	       -> TraceRecord -> TraceSink.Append -> TraceWriter
//
// Capture never blocks traffic: a dropped request is still forwarded, it
// is simply not recorded.
//
// # Rules
//
// A [RuleSet] is an immutable snapshot built from a [RuleStore]. Filter
// rules are unanchored regular expressions applied to one field of the
// exchange. The first enabled rule that matches wins:
//
//	rules := []harcap.FilterRule{
//	    {Kind: harcap.KindHost, Pattern: `(^|\.)doubleclick\.net$`, Enabled: true},
//	    {Kind: harcap.KindContentType, Pattern: `^image/`, Enabled: true},
//	}
//	hosts := []harcap.HostRule{
//	    {Host: "example.com", IncludeSubdomains: true, Enabled: true},
//	}
//	store := harcap.NewStaticRuleStore(rules, hosts)
//
// Rules can also come from CSV files ([CSVRuleStore]), HTTP endpoints
// ([URLRuleStore]) or a SQLite database ([SQLiteRuleStore]). A
// [RuleSource] reloads them on demand, periodically, on SIGHUP
// ([WatchSIGHUP]) or when a file changes ([RulesWatcher]). A failed load
// installs an empty snapshot, which captures everything.
//
// # Starting a capture
//
//	cm, err := harcap.LoadOrCreateCA("ca.crt", "ca.key", "harcap", 10)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engines := func(tlsEnabled bool, ic harcap.Interceptor) (harcap.Engine, error) {
//	    p := harcap.NewProxy(cm, ic)
//	    p.InterceptTLS = tlsEnabled
//	    return p, nil
//	}
//	writers := func() (harcap.TraceWriter, error) {
//	    return harcap.NewFileTraceWriter("capture.jsonl", false)
//	}
//
//	lc := harcap.NewLifecycle(store, engines, writers, harcap.LifecycleConfig{})
//	if err := lc.Start(ctx, 8080, true); err != nil {
//	    log.Fatal(err)
//	}
//	defer lc.Stop(context.Background())
//
// Clients must trust the CA certificate for HTTPS capture. Without TLS
// interception, CONNECT tunnels are relayed blind and only plain HTTP is
// recorded.
//
// # Traces
//
// [FileTraceWriter] appends one HAR entry per line. [ReadTraceFile] reads
// such a file back, tolerating a torn final line, and [WriteHAR] wraps
// entries in a complete HAR log. [SQLiteTraceWriter] stores entries in a
// database instead.
//
// # Control
//
// [AdminAPI] exposes start, stop, reload, rotate and status over HTTP.
// [Metrics] exports Prometheus metrics and [HealthChecker] serves
// /healthz and /readyz following the lifecycle state.
package harcap
