package harcap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete capture configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// TLS/CA configuration
	TLS TLSConfig `mapstructure:"tls"`

	// Capture rules and their sources
	Rules RulesConfig `mapstructure:"rules"`

	// Flow bookkeeping and redaction
	Capture CaptureConfig `mapstructure:"capture"`

	// Trace persistence
	Trace TraceConfig `mapstructure:"trace"`

	// Outbound connection settings
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Prometheus metrics
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Admin HTTP API
	Admin AdminConfig `mapstructure:"admin"`
}

// ServerConfig contains interception engine settings.
type ServerConfig struct {
	// BindHost is the interface to listen on; empty means all.
	BindHost string `mapstructure:"bind_host"`

	// Port for the proxy listener. 0 picks a free port.
	Port int `mapstructure:"port"`

	// TLSEnabled turns on HTTPS interception.
	TLSEnabled bool `mapstructure:"tls_enabled"`

	// AutoStart starts capture at process start instead of waiting for
	// POST /api/start.
	AutoStart bool `mapstructure:"auto_start"`

	// ReadTimeout for intercepted connections
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// StopTimeout bounds how long a stop waits for the engine.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// TLSConfig contains TLS/certificate settings.
type TLSConfig struct {
	// CACert is the path to the CA certificate file
	CACert string `mapstructure:"ca_cert"`

	// CAKey is the path to the CA private key file
	CAKey string `mapstructure:"ca_key"`

	// Organization name for generated certificates
	Organization string `mapstructure:"organization"`

	// CAValidityYears for a generated CA
	CAValidityYears int `mapstructure:"ca_validity_years"`

	// CertValidityDays for generated host certificates
	CertValidityDays int `mapstructure:"cert_validity_days"`
}

// RulesConfig contains capture rule settings.
type RulesConfig struct {
	// Filters are inline filter rules, evaluated before source rules.
	Filters []FilterRuleConfig `mapstructure:"filters"`

	// Hosts are inline host allow-list entries.
	Hosts []HostRuleConfig `mapstructure:"hosts"`

	// Sources defines external rule sources
	Sources []SourceConfig `mapstructure:"sources"`

	// StaticResources appends the static asset preset.
	StaticResources bool `mapstructure:"static_resources"`

	// ReloadInterval for periodic reloads (0 = no auto-reload)
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// WatchFile reloads rules whenever this file changes.
	WatchFile string `mapstructure:"watch_file"`
}

// FilterRuleConfig is a filter rule in config. Rules are enabled unless
// Disabled is set.
type FilterRuleConfig struct {
	Kind        string `mapstructure:"kind"`
	Pattern     string `mapstructure:"pattern"`
	Description string `mapstructure:"description"`
	Disabled    bool   `mapstructure:"disabled"`
}

// HostRuleConfig is a host allow-list entry in config.
type HostRuleConfig struct {
	Host              string `mapstructure:"host"`
	IncludeSubdomains bool   `mapstructure:"include_subdomains"`
	Disabled          bool   `mapstructure:"disabled"`
}

// SourceConfig defines an external rule source.
type SourceConfig struct {
	// Type of source: "csv", "url", "sqlite"
	Type string `mapstructure:"type"`

	// Path for file-based sources
	Path string `mapstructure:"path"`

	// URL for remote sources
	URL string `mapstructure:"url"`

	// HasHeader indicates if CSV has a header row
	HasHeader bool `mapstructure:"has_header"`
}

// CaptureConfig bounds pending flow state and configures redaction.
type CaptureConfig struct {
	// PendingTimeout evicts flows whose response never arrives.
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`

	// SweepInterval is how often expired flows are evicted.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// MaxBodyBytes caps each captured body.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// RedactHeaders are masked in stored flows.
	RedactHeaders []string `mapstructure:"redact_headers"`

	// RedactKeys are masked in JSON bodies and query strings.
	RedactKeys []string `mapstructure:"redact_keys"`
}

// TraceConfig selects where trace records are written.
type TraceConfig struct {
	// Backend is "file" (JSON Lines) or "sqlite".
	Backend string `mapstructure:"backend"`

	// Path of the trace file or database.
	Path string `mapstructure:"path"`

	// QueueSize is the number of records buffered before the oldest is
	// dropped.
	QueueSize int `mapstructure:"queue_size"`

	// Fsync syncs the trace file after every record.
	Fsync bool `mapstructure:"fsync"`

	// RotateSchedule is a cron expression for trace file rotation.
	RotateSchedule string `mapstructure:"rotate_schedule"`
}

// UpstreamConfig contains outbound connection settings.
type UpstreamConfig struct {
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	EnableHTTP2           bool          `mapstructure:"enable_http2"`
	InsecureSkipVerify    bool          `mapstructure:"insecure_skip_verify"`
	UseEnvironmentProxy   bool          `mapstructure:"use_environment_proxy"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// File rotation, used when Output is a path.
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`

	// Captures logs one line per flow decision.
	Captures bool `mapstructure:"captures"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Addr for the admin listener; it also serves /metrics and health.
	Addr string `mapstructure:"addr"`

	// PathPrefix for admin routes.
	PathPrefix string `mapstructure:"path_prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	cc := DefaultCorrelatorConfig()
	return Config{
		Server: ServerConfig{
			Port:        8080,
			TLSEnabled:  true,
			AutoStart:   true,
			ReadTimeout: 30 * time.Second,
			StopTimeout: 10 * time.Second,
		},
		TLS: TLSConfig{
			CACert:           "ca.crt",
			CAKey:            "ca.key",
			Organization:     "harcap",
			CAValidityYears:  10,
			CertValidityDays: 365,
		},
		Rules: RulesConfig{
			ReloadInterval: 5 * time.Minute,
		},
		Capture: CaptureConfig{
			PendingTimeout: cc.PendingTimeout,
			SweepInterval:  cc.SweepInterval,
			MaxBodyBytes:   cc.MaxBodyBytes,
			RedactHeaders:  DefaultRedactHeaders,
		},
		Trace: TraceConfig{
			Backend:   "file",
			Path:      "traces/capture.jsonl",
			QueueSize: DefaultTraceQueueSize,
		},
		Upstream: UpstreamConfig{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 60 * time.Second,
			EnableHTTP2:           true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Captures:   true,
		},
		Admin: AdminConfig{
			Enabled:    true,
			Addr:       "127.0.0.1:9090",
			PathPrefix: "/api",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./harcap.yaml
// 3. $HOME/.harcap/harcap.yaml
// 4. /etc/harcap/harcap.yaml
//
// Environment variables use the HARCAP_ prefix, e.g. HARCAP_SERVER_PORT.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("harcap")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.harcap")
	v.AddConfigPath("/etc/harcap")

	v.SetEnvPrefix("HARCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.bind_host", d.Server.BindHost)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.auto_start", d.Server.AutoStart)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.stop_timeout", d.Server.StopTimeout)

	v.SetDefault("tls.ca_cert", d.TLS.CACert)
	v.SetDefault("tls.ca_key", d.TLS.CAKey)
	v.SetDefault("tls.organization", d.TLS.Organization)
	v.SetDefault("tls.ca_validity_years", d.TLS.CAValidityYears)
	v.SetDefault("tls.cert_validity_days", d.TLS.CertValidityDays)

	v.SetDefault("rules.static_resources", d.Rules.StaticResources)
	v.SetDefault("rules.reload_interval", d.Rules.ReloadInterval)
	v.SetDefault("rules.watch_file", d.Rules.WatchFile)

	v.SetDefault("capture.pending_timeout", d.Capture.PendingTimeout)
	v.SetDefault("capture.sweep_interval", d.Capture.SweepInterval)
	v.SetDefault("capture.max_body_bytes", d.Capture.MaxBodyBytes)
	v.SetDefault("capture.redact_headers", d.Capture.RedactHeaders)
	v.SetDefault("capture.redact_keys", d.Capture.RedactKeys)

	v.SetDefault("trace.backend", d.Trace.Backend)
	v.SetDefault("trace.path", d.Trace.Path)
	v.SetDefault("trace.queue_size", d.Trace.QueueSize)
	v.SetDefault("trace.fsync", d.Trace.Fsync)
	v.SetDefault("trace.rotate_schedule", d.Trace.RotateSchedule)

	v.SetDefault("upstream.max_idle_conns_per_host", d.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.response_header_timeout", d.Upstream.ResponseHeaderTimeout)
	v.SetDefault("upstream.enable_http2", d.Upstream.EnableHTTP2)
	v.SetDefault("upstream.insecure_skip_verify", d.Upstream.InsecureSkipVerify)
	v.SetDefault("upstream.use_environment_proxy", d.Upstream.UseEnvironmentProxy)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.captures", d.Logging.Captures)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("admin.path_prefix", d.Admin.PathPrefix)
}

// Validate checks settings that cannot be fixed up later. Rule patterns
// are not checked here; invalid rules are skipped at load time.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Trace.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown trace backend %q", c.Trace.Backend)
	}
	if c.Trace.Path == "" {
		return errors.New("trace.path is required")
	}
	if c.Trace.RotateSchedule != "" && c.Trace.Backend != "file" {
		return errors.New("trace.rotate_schedule requires the file backend")
	}
	for i, s := range c.Rules.Sources {
		switch s.Type {
		case "csv", "sqlite":
			if s.Path == "" {
				return fmt.Errorf("rules.sources[%d]: path is required for %s", i, s.Type)
			}
		case "url":
			if s.URL == "" {
				return fmt.Errorf("rules.sources[%d]: url is required", i)
			}
		default:
			return fmt.Errorf("rules.sources[%d]: unknown source type %q", i, s.Type)
		}
	}
	return nil
}

// StaticRules returns the inline rules, plus the static asset preset when
// enabled.
func (c *Config) StaticRules() ([]FilterRule, []HostRule) {
	filters := make([]FilterRule, 0, len(c.Rules.Filters))
	for _, r := range c.Rules.Filters {
		filters = append(filters, FilterRule{
			Kind:        RuleKind(r.Kind),
			Pattern:     r.Pattern,
			Enabled:     !r.Disabled,
			Description: r.Description,
		})
	}
	if c.Rules.StaticResources {
		filters = append(filters, StaticResourceRules()...)
	}

	hosts := make([]HostRule, 0, len(c.Rules.Hosts))
	for _, h := range c.Rules.Hosts {
		hosts = append(hosts, HostRule{
			Host:              h.Host,
			IncludeSubdomains: h.IncludeSubdomains,
			Enabled:           !h.Disabled,
		})
	}
	return filters, hosts
}

// BuildRuleStore combines the inline rules and every configured source.
// Inline rules come first, then sources in order. Close the returned
// store to release database sources.
func (c *Config) BuildRuleStore(logger *slog.Logger) (*MultiRuleStore, error) {
	filters, hosts := c.StaticRules()
	stores := []RuleStore{NewStaticRuleStore(filters, hosts)}

	for _, source := range c.Rules.Sources {
		switch source.Type {
		case "csv":
			store := NewCSVRuleStore(source.Path)
			store.HasHeader = source.HasHeader
			stores = append(stores, store)

		case "url":
			store := NewURLRuleStore(source.URL)
			store.HasHeader = source.HasHeader
			stores = append(stores, store)

		case "sqlite":
			store, err := OpenSQLiteRuleStore(source.Path, logger)
			if err != nil {
				_ = NewMultiRuleStore(stores...).Close()
				return nil, err
			}
			stores = append(stores, store)

		default:
			_ = NewMultiRuleStore(stores...).Close()
			return nil, fmt.Errorf("unknown source type: %s", source.Type)
		}
	}

	return NewMultiRuleStore(stores...), nil
}

// BuildTraceWriterFactory returns the factory used to open a trace writer
// for every capture session.
func (c *Config) BuildTraceWriterFactory(logger *slog.Logger) (TraceWriterFactory, error) {
	path, fsync := c.Trace.Path, c.Trace.Fsync
	switch c.Trace.Backend {
	case "file", "":
		return func() (TraceWriter, error) {
			return NewFileTraceWriter(path, fsync)
		}, nil
	case "sqlite":
		return func() (TraceWriter, error) {
			return OpenSQLiteTraceWriter(path, logger)
		}, nil
	}
	return nil, fmt.Errorf("unknown trace backend %q", c.Trace.Backend)
}

// BuildRedactor returns nil when nothing is configured for masking.
func (c *Config) BuildRedactor() *Redactor {
	if len(c.Capture.RedactHeaders) == 0 && len(c.Capture.RedactKeys) == 0 {
		return nil
	}
	return NewRedactor(c.Capture.RedactHeaders, c.Capture.RedactKeys)
}

// BuildUpstreamPool returns an outbound transport pool from the upstream
// section.
func (c *Config) BuildUpstreamPool() *UpstreamPool {
	up := NewUpstreamPool()
	up.MaxIdleConnsPerHost = c.Upstream.MaxIdleConnsPerHost
	up.ResponseHeaderTimeout = c.Upstream.ResponseHeaderTimeout
	up.EnableHTTP2 = c.Upstream.EnableHTTP2
	up.InsecureSkipVerify = c.Upstream.InsecureSkipVerify
	up.UseEnvironmentProxy = c.Upstream.UseEnvironmentProxy
	up.Build()
	return up
}

// LifecycleConfig maps the configuration onto a LifecycleConfig.
func (c *Config) LifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		BindHost:       c.Server.BindHost,
		StopTimeout:    c.Server.StopTimeout,
		ReloadInterval: c.Rules.ReloadInterval,
		TraceQueueSize: c.Trace.QueueSize,
		Correlator: CorrelatorConfig{
			PendingTimeout: c.Capture.PendingTimeout,
			SweepInterval:  c.Capture.SweepInterval,
			MaxBodyBytes:   c.Capture.MaxBodyBytes,
		},
	}
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# harcap - filtered HTTP(S) capture to HAR traces
# See https://github.com/acmacalister/harcap for documentation

server:
  # Interface and port for the capture proxy
  bind_host: ""
  port: 8080

  # Decrypt HTTPS with the local CA. When false, CONNECT tunnels are
  # relayed without capture.
  tls_enabled: true

  # Start capturing at launch (otherwise POST /api/start)
  auto_start: true

  read_timeout: 30s
  stop_timeout: 10s

tls:
  # CA certificate and key paths (generated when both are missing)
  ca_cert: "ca.crt"
  ca_key: "ca.key"
  organization: "harcap"
  ca_validity_years: 10
  cert_validity_days: 365

rules:
  # Filter rules are evaluated in order; the first match drops the request
  # (url, host, method) or discards the response (content_type,
  # response_size). Patterns are unanchored regular expressions.
  filters:
    - kind: host
      pattern: "(^|\\.)doubleclick\\.net$"
      description: "ad network"
    - kind: content_type
      pattern: "^image/"
      description: "images"
    - kind: response_size
      pattern: "^[0-9]{8,}$"
      description: "responses of 10MB and up"
      disabled: true

  # When any host is listed only those hosts are captured.
  hosts:
    # - host: "api.example.com"
    #   include_subdomains: false
    # - host: "example.com"
    #   include_subdomains: true

  # Drop typical static assets (images, fonts, css, js, favicon, socket.io)
  static_resources: true

  # External rule sources, appended after the inline rules
  sources:
    # - type: csv
    #   path: "/etc/harcap/rules.csv"
    #   has_header: true
    # - type: url
    #   url: "https://rules.example.com/harcap.csv"
    #   has_header: true
    # - type: sqlite
    #   path: "/var/lib/harcap/rules.db"

  # Periodic reload (0 disables)
  reload_interval: 5m

  # Reload whenever this file changes
  # watch_file: "/etc/harcap/rules.csv"

capture:
  # Flows without a response are evicted after this long
  pending_timeout: 5m
  sweep_interval: 30s

  # Bodies larger than this are truncated in the trace
  max_body_bytes: 10485760

  # Masked before anything is stored
  redact_headers: ["Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie"]
  redact_keys: ["password", "token"]

trace:
  # file (JSON Lines of HAR entries) or sqlite
  backend: "file"
  path: "traces/capture.jsonl"
  queue_size: 1024
  fsync: false

  # Start a new trace file on a cron schedule (file backend only)
  # rotate_schedule: "@daily"

upstream:
  max_idle_conns_per_host: 10
  response_header_timeout: 60s
  enable_http2: true
  insecure_skip_verify: false
  use_environment_proxy: false

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path (rotated)
  output: "stderr"
  max_size_mb: 100
  max_backups: 3
  max_age_days: 28
  compress: false

  # One log line per capture decision
  captures: true

metrics:
  enabled: false

admin:
  # Control API, /metrics and health checks
  enabled: true
  addr: "127.0.0.1:9090"
  path_prefix: "/api"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
