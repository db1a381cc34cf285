package harcap

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// RuleStore is the read-only source of capture rules. The capture core
// never writes to it.
type RuleStore interface {
	ListFilterRules(ctx context.Context, enabledOnly bool) ([]FilterRule, error)
	ListHostRules(ctx context.Context, enabledOnly bool) ([]HostRule, error)
}

// StaticRuleStore serves a fixed set of rules. Useful for configuration
// files and tests.
type StaticRuleStore struct {
	Filters []FilterRule
	Hosts   []HostRule
}

// NewStaticRuleStore creates a store with a fixed set of rules.
func NewStaticRuleStore(filters []FilterRule, hosts []HostRule) *StaticRuleStore {
	return &StaticRuleStore{Filters: filters, Hosts: hosts}
}

// ListFilterRules implements RuleStore.
func (s *StaticRuleStore) ListFilterRules(_ context.Context, enabledOnly bool) ([]FilterRule, error) {
	return filterEnabled(s.Filters, enabledOnly, func(r FilterRule) bool { return r.Enabled }), nil
}

// ListHostRules implements RuleStore.
func (s *StaticRuleStore) ListHostRules(_ context.Context, enabledOnly bool) ([]HostRule, error) {
	return filterEnabled(s.Hosts, enabledOnly, func(r HostRule) bool { return r.Enabled }), nil
}

func filterEnabled[T any](in []T, enabledOnly bool, enabled func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, r := range in {
		if enabledOnly && !enabled(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// hostRowKind marks a CSV row as a host allow-list entry.
const hostRowKind = "allow_host"

// CSVRuleStore reads rules from a CSV file.
//
// Filter rows:     kind,pattern[,enabled[,description]]
// Host rows:       allow_host,host[,include_subdomains[,enabled]]
//
// Missing booleans default to enabled=true and include_subdomains=false.
type CSVRuleStore struct {
	// Path to the CSV file.
	Path string

	// HasHeader skips the first row.
	HasHeader bool
}

// NewCSVRuleStore creates a CSV store for the given path.
func NewCSVRuleStore(path string) *CSVRuleStore {
	return &CSVRuleStore{Path: path, HasHeader: true}
}

// ListFilterRules implements RuleStore.
func (s *CSVRuleStore) ListFilterRules(ctx context.Context, enabledOnly bool) ([]FilterRule, error) {
	filters, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return filterEnabled(filters, enabledOnly, func(r FilterRule) bool { return r.Enabled }), nil
}

// ListHostRules implements RuleStore.
func (s *CSVRuleStore) ListHostRules(ctx context.Context, enabledOnly bool) ([]HostRule, error) {
	_, hosts, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return filterEnabled(hosts, enabledOnly, func(r HostRule) bool { return r.Enabled }), nil
}

func (s *CSVRuleStore) load(ctx context.Context) ([]FilterRule, []HostRule, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open rules file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseRuleCSV(ctx, f, s.HasHeader)
}

// ParseRuleCSV parses the CSV rule format from r. Rows whose kind is not
// recognised are returned as errors; pattern validity is checked later,
// when the RuleSet is built.
func ParseRuleCSV(ctx context.Context, r io.Reader, hasHeader bool) ([]FilterRule, []HostRule, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var (
		filters []FilterRule
		hosts   []HostRule
		lineNum int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}
		lineNum++

		if lineNum == 1 && hasHeader {
			continue
		}
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		if len(record) < 2 {
			return nil, nil, fmt.Errorf("line %d: expected at least 2 fields (kind, pattern)", lineNum)
		}

		kind := strings.ToLower(strings.TrimSpace(record[0]))
		value := strings.TrimSpace(record[1])

		if kind == hostRowKind {
			h := HostRule{Host: value, Enabled: true}
			if h.IncludeSubdomains, err = optionalBool(record, 2, false); err != nil {
				return nil, nil, fmt.Errorf("line %d: include_subdomains: %w", lineNum, err)
			}
			if h.Enabled, err = optionalBool(record, 3, true); err != nil {
				return nil, nil, fmt.Errorf("line %d: enabled: %w", lineNum, err)
			}
			hosts = append(hosts, h)
			continue
		}

		k, err := ParseRuleKind(kind)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		rule := FilterRule{Kind: k, Pattern: value}
		if rule.Enabled, err = optionalBool(record, 2, true); err != nil {
			return nil, nil, fmt.Errorf("line %d: enabled: %w", lineNum, err)
		}
		if len(record) > 3 {
			rule.Description = strings.TrimSpace(record[3])
		}
		filters = append(filters, rule)
	}

	return filters, hosts, nil
}

func optionalBool(record []string, idx int, def bool) (bool, error) {
	if len(record) <= idx || strings.TrimSpace(record[idx]) == "" {
		return def, nil
	}
	return strconv.ParseBool(strings.TrimSpace(record[idx]))
}

// URLRuleStore fetches rules in the CSV format from an HTTP endpoint.
type URLRuleStore struct {
	URL       string
	Client    *http.Client
	HasHeader bool
}

// NewURLRuleStore creates a store that fetches rules from endpoint.
func NewURLRuleStore(endpoint string) *URLRuleStore {
	return &URLRuleStore{URL: endpoint, HasHeader: true}
}

// ListFilterRules implements RuleStore.
func (s *URLRuleStore) ListFilterRules(ctx context.Context, enabledOnly bool) ([]FilterRule, error) {
	filters, _, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return filterEnabled(filters, enabledOnly, func(r FilterRule) bool { return r.Enabled }), nil
}

// ListHostRules implements RuleStore.
func (s *URLRuleStore) ListHostRules(ctx context.Context, enabledOnly bool) ([]HostRule, error) {
	_, hosts, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return filterEnabled(hosts, enabledOnly, func(r HostRule) bool { return r.Enabled }), nil
}

func (s *URLRuleStore) fetch(ctx context.Context) ([]FilterRule, []HostRule, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch rules: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return ParseRuleCSV(ctx, resp.Body, s.HasHeader)
}

// MultiRuleStore concatenates rules from several stores in order. Any
// failing store fails the whole listing.
type MultiRuleStore struct {
	Stores []RuleStore
}

// NewMultiRuleStore combines stores; earlier stores take precedence for
// filter rule ordering.
func NewMultiRuleStore(stores ...RuleStore) *MultiRuleStore {
	return &MultiRuleStore{Stores: stores}
}

// ListFilterRules implements RuleStore.
func (m *MultiRuleStore) ListFilterRules(ctx context.Context, enabledOnly bool) ([]FilterRule, error) {
	var all []FilterRule
	for i, s := range m.Stores {
		rules, err := s.ListFilterRules(ctx, enabledOnly)
		if err != nil {
			return nil, fmt.Errorf("store %d: %w", i, err)
		}
		all = append(all, rules...)
	}
	return all, nil
}

// ListHostRules implements RuleStore.
func (m *MultiRuleStore) ListHostRules(ctx context.Context, enabledOnly bool) ([]HostRule, error) {
	var all []HostRule
	for i, s := range m.Stores {
		rules, err := s.ListHostRules(ctx, enabledOnly)
		if err != nil {
			return nil, fmt.Errorf("store %d: %w", i, err)
		}
		all = append(all, rules...)
	}
	return all, nil
}

// Close closes every store that holds a resource.
func (m *MultiRuleStore) Close() error {
	var errs []error
	for _, s := range m.Stores {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// StaticResourceRules returns a convenience preset that drops requests for
// typical static assets and socket endpoints. It is a best-effort
// classification by URL shape only.
func StaticResourceRules() []FilterRule {
	return []FilterRule{
		{Kind: KindURL, Pattern: `(?i)\.(jpg|jpeg|png|gif|ico|webp|bmp|css|js|map|woff2?|ttf|otf|eot|svg)(\?.*)?$`, Enabled: true, Description: "static asset"},
		{Kind: KindURL, Pattern: `(?i)\.(mp4|webm|ogg|mp3|wav)(\?.*)?$`, Enabled: true, Description: "media"},
		{Kind: KindURL, Pattern: `(?i)/favicon\.ico`, Enabled: true, Description: "favicon"},
		{Kind: KindURL, Pattern: `/socket\.io/`, Enabled: true, Description: "socket.io"},
		{Kind: KindMethod, Pattern: `^(OPTIONS|CONNECT)$`, Enabled: true, Description: "preflight and tunnel"},
	}
}
