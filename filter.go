package harcap

// RequestDecision is the RequestFilter verdict. Rule is the first matching
// filter rule when the request was dropped by one.
type RequestDecision struct {
	Admit  bool
	Rule   *FilterRule
	Reason string
}

// RequestFilter decides whether a request is tracked at all. It reads only
// the method, URL, host and headers, never the body.
type RequestFilter struct{}

// Evaluate applies rs to ev.
//
// A non-empty host allow-list is checked first: a host outside it is
// dropped regardless of filter rules. Filter rules are then tried in
// stored order and the first enabled match drops the request.
func (RequestFilter) Evaluate(rs *RuleSet, ev *RequestEvent) RequestDecision {
	if rs == nil {
		return RequestDecision{Admit: true}
	}

	if rs.HasHostAllowList() && !rs.MatchHost(ev.Host) {
		return RequestDecision{Reason: "host not allow-listed"}
	}

	for i := range rs.filterRules {
		r := &rs.filterRules[i]
		if !r.Enabled {
			continue
		}
		field, ok := requestField(r.Kind, ev)
		if !ok {
			continue
		}
		if r.MatchString(field) {
			rule := *r
			return RequestDecision{Rule: &rule, Reason: string(r.Kind) + " rule " + r.Pattern}
		}
	}

	return RequestDecision{Admit: true}
}

func requestField(kind RuleKind, ev *RequestEvent) (string, bool) {
	switch kind {
	case KindURL:
		return ev.URL, true
	case KindHost:
		return ev.Host, true
	case KindMethod:
		return ev.Method, true
	case KindContentType:
		return ev.Header.Get("Content-Type"), true
	}
	return "", false
}

// ResponseDecision is the ResponseFilter verdict.
type ResponseDecision struct {
	Retain bool
	Rule   *FilterRule
	Reason string
}

// ResponseFilter decides whether a completed flow is persisted.
type ResponseFilter struct{}

// Evaluate applies rs to ev. An empty body is always discarded. Otherwise
// content_type and response_size rules are tried in stored order and the
// first enabled match discards the flow.
//
// The only size signal is emptiness, so a response_size rule can only
// match an empty body; those are already discarded above.
func (ResponseFilter) Evaluate(rs *RuleSet, ev *ResponseEvent) ResponseDecision {
	empty := ev.BodySize == 0 && len(ev.Body) == 0
	if empty {
		return ResponseDecision{Reason: "empty body"}
	}
	if rs == nil {
		return ResponseDecision{Retain: true}
	}

	contentType := ev.Header.Get("Content-Type")
	for i := range rs.filterRules {
		r := &rs.filterRules[i]
		if !r.Enabled {
			continue
		}
		var matched bool
		switch r.Kind {
		case KindContentType:
			matched = r.MatchString(contentType)
		case KindResponseSize:
			matched = empty && r.MatchString("")
		}
		if matched {
			rule := *r
			return ResponseDecision{Rule: &rule, Reason: string(r.Kind) + " rule " + r.Pattern}
		}
	}

	return ResponseDecision{Retain: true}
}
