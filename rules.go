package harcap

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"regexp"
	"strings"
	"time"
)

// RuleKind selects the field a FilterRule pattern is applied to.
type RuleKind string

// Rule kinds.
const (
	KindURL          RuleKind = "url"
	KindHost         RuleKind = "host"
	KindMethod       RuleKind = "method"
	KindContentType  RuleKind = "content_type"
	KindResponseSize RuleKind = "response_size"
)

// ParseRuleKind parses a rule kind. Hyphenated spellings such as
// "content-type" are accepted.
func ParseRuleKind(s string) (RuleKind, error) {
	k := RuleKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch k {
	case KindURL, KindHost, KindMethod, KindContentType, KindResponseSize:
		return k, nil
	}
	return "", fmt.Errorf("unknown rule kind %q", s)
}

// FilterRule drops requests or discards responses whose selected field
// matches Pattern. Patterns are unanchored regular expressions.
type FilterRule struct {
	Pattern     string   `json:"pattern"`
	Kind        RuleKind `json:"kind"`
	Enabled     bool     `json:"enabled"`
	Description string   `json:"description,omitempty"`

	re *regexp.Regexp
}

// Compile validates the rule and returns a copy with its pattern compiled.
func (r FilterRule) Compile() (FilterRule, error) {
	kind, err := ParseRuleKind(string(r.Kind))
	if err != nil {
		return FilterRule{}, &ConfigError{Kind: string(r.Kind), Pattern: r.Pattern, Err: err}
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return FilterRule{}, &ConfigError{Kind: string(kind), Pattern: r.Pattern, Err: err}
	}
	r.Kind = kind
	r.re = re
	return r, nil
}

// MatchString reports whether the compiled pattern matches s. An
// uncompiled rule never matches.
func (r *FilterRule) MatchString(s string) bool {
	return r.re != nil && r.re.MatchString(s)
}

// HostRule allow-lists a host for capture.
type HostRule struct {
	Host              string `json:"host"`
	IncludeSubdomains bool   `json:"include_subdomains"`
	Enabled           bool   `json:"enabled"`
}

var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9]*(\.[a-zA-Z0-9][-a-zA-Z0-9]*)*$`)

// Validate checks the host name syntax.
func (h HostRule) Validate() error {
	if !hostPattern.MatchString(h.Host) {
		return &ConfigError{Kind: "host_rule", Pattern: h.Host, Err: errors.New("malformed host name")}
	}
	return nil
}

// RuleSet is an immutable snapshot of filter and host rules. It is never
// modified after NewRuleSet returns, so any number of goroutines may
// evaluate against it while a newer snapshot is being installed.
type RuleSet struct {
	version  uint64
	loadedAt time.Time

	filterRules []FilterRule
	hostRules   map[string]bool // host -> include subdomains, enabled only
}

// NewRuleSet validates and compiles the given rules. Invalid rules are
// skipped and reported in the returned error slice as *ConfigError values;
// they never abort the build. Disabled host rules are not retained.
func NewRuleSet(filters []FilterRule, hosts []HostRule) (*RuleSet, []error) {
	rs := &RuleSet{
		loadedAt:    time.Now(),
		filterRules: make([]FilterRule, 0, len(filters)),
		hostRules:   make(map[string]bool, len(hosts)),
	}

	var errs []error
	for _, f := range filters {
		compiled, err := f.Compile()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rs.filterRules = append(rs.filterRules, compiled)
	}

	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		if err := h.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		host := strings.ToLower(h.Host)
		// Duplicate entries widen, never narrow.
		rs.hostRules[host] = rs.hostRules[host] || h.IncludeSubdomains
	}

	return rs, errs
}

// EmptyRuleSet returns a snapshot with no rules; every request is admitted.
func EmptyRuleSet() *RuleSet {
	rs, _ := NewRuleSet(nil, nil)
	return rs
}

// Version is the monotonically increasing number assigned by RuleSource.
func (rs *RuleSet) Version() uint64 { return rs.version }

// LoadedAt is when the snapshot was built.
func (rs *RuleSet) LoadedAt() time.Time { return rs.loadedAt }

// FilterRules returns a copy of the filter rules in evaluation order.
func (rs *RuleSet) FilterRules() []FilterRule {
	out := make([]FilterRule, len(rs.filterRules))
	copy(out, rs.filterRules)
	return out
}

// HostRules returns a copy of the enabled host allow-list.
func (rs *RuleSet) HostRules() map[string]bool {
	return maps.Clone(rs.hostRules)
}

// Count returns the number of filter rules plus host rules.
func (rs *RuleSet) Count() int {
	return len(rs.filterRules) + len(rs.hostRules)
}

// HasHostAllowList reports whether host allow-listing is in effect.
func (rs *RuleSet) HasHostAllowList() bool {
	return len(rs.hostRules) > 0
}

// MatchHost reports whether host is allow-listed: exact match first, then
// a suffix match on "."+rule for rules that include subdomains.
func (rs *RuleSet) MatchHost(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if _, ok := rs.hostRules[host]; ok {
		return true
	}
	for rule, subdomains := range rs.hostRules {
		if subdomains && strings.HasSuffix(host, "."+rule) {
			return true
		}
	}
	return false
}

func (rs *RuleSet) withVersion(v uint64) *RuleSet {
	rs.version = v
	return rs
}

// normalizeHost lowercases host and strips any port.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
