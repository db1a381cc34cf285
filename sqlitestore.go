package harcap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type filterRuleRow struct {
	ID          uint   `gorm:"primaryKey"`
	Position    int    `gorm:"index"`
	Kind        string `gorm:"size:32;not null"`
	Pattern     string `gorm:"not null"`
	Enabled     bool   `gorm:"not null"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (filterRuleRow) TableName() string { return "filter_rules" }

type hostRuleRow struct {
	ID                uint   `gorm:"primaryKey"`
	Host              string `gorm:"size:253;uniqueIndex;not null"`
	IncludeSubdomains bool   `gorm:"not null"`
	Enabled           bool   `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (hostRuleRow) TableName() string { return "host_rules" }

type traceRow struct {
	ID         uint      `gorm:"primaryKey"`
	FlowID     string    `gorm:"size:64;uniqueIndex;not null"`
	StartedAt  time.Time `gorm:"index"`
	Method     string    `gorm:"size:16"`
	URL        string
	Host       string `gorm:"size:253;index"`
	Status     int
	DurationMS float64
	Entry      string `gorm:"type:text;not null"`
	CreatedAt  time.Time
}

func (traceRow) TableName() string { return "trace_entries" }

// openSQLite opens path in WAL mode and migrates models.
func openSQLite(path string, logger *slog.Logger, models ...any) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLiteRuleStore reads filter and host rules from a SQLite database with
// tables filter_rules and host_rules. Filter rules are returned in
// (position, id) order.
type SQLiteRuleStore struct {
	db *gorm.DB
}

// OpenSQLiteRuleStore opens (and if needed creates) the rule database.
func OpenSQLiteRuleStore(path string, logger *slog.Logger) (*SQLiteRuleStore, error) {
	db, err := openSQLite(path, logger, &filterRuleRow{}, &hostRuleRow{})
	if err != nil {
		return nil, err
	}
	return &SQLiteRuleStore{db: db}, nil
}

// ListFilterRules implements RuleStore.
func (s *SQLiteRuleStore) ListFilterRules(ctx context.Context, enabledOnly bool) ([]FilterRule, error) {
	var rows []filterRuleRow
	q := s.db.WithContext(ctx).Order("position, id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list filter rules: %w", err)
	}

	rules := make([]FilterRule, 0, len(rows))
	for _, r := range rows {
		kind, err := ParseRuleKind(r.Kind)
		if err != nil {
			// Left for NewRuleSet to reject and log.
			kind = RuleKind(r.Kind)
		}
		rules = append(rules, FilterRule{
			Pattern:     r.Pattern,
			Kind:        kind,
			Enabled:     r.Enabled,
			Description: r.Description,
		})
	}
	return rules, nil
}

// ListHostRules implements RuleStore.
func (s *SQLiteRuleStore) ListHostRules(ctx context.Context, enabledOnly bool) ([]HostRule, error) {
	var rows []hostRuleRow
	q := s.db.WithContext(ctx).Order("id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list host rules: %w", err)
	}

	hosts := make([]HostRule, 0, len(rows))
	for _, r := range rows {
		hosts = append(hosts, HostRule{
			Host:              r.Host,
			IncludeSubdomains: r.IncludeSubdomains,
			Enabled:           r.Enabled,
		})
	}
	return hosts, nil
}

// ImportRules replaces the stored rules in one transaction. It is meant
// for seeding a database from a rules file; capture itself only reads.
func (s *SQLiteRuleStore) ImportRules(ctx context.Context, filters []FilterRule, hosts []HostRule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&filterRuleRow{}).Error; err != nil {
			return fmt.Errorf("clear filter rules: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&hostRuleRow{}).Error; err != nil {
			return fmt.Errorf("clear host rules: %w", err)
		}
		for i, r := range filters {
			row := filterRuleRow{
				Position:    i,
				Kind:        string(r.Kind),
				Pattern:     r.Pattern,
				Enabled:     r.Enabled,
				Description: r.Description,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert filter rule %d: %w", i, err)
			}
		}
		for _, h := range hosts {
			row := hostRuleRow{
				Host:              h.Host,
				IncludeSubdomains: h.IncludeSubdomains,
				Enabled:           h.Enabled,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert host rule %q: %w", h.Host, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *SQLiteRuleStore) Close() error {
	return closeGorm(s.db)
}

// SQLiteTraceWriter stores each trace record as a row holding its HAR
// entry, indexed by flow ID, host and start time.
type SQLiteTraceWriter struct {
	db *gorm.DB
}

// OpenSQLiteTraceWriter opens (and if needed creates) the trace database.
func OpenSQLiteTraceWriter(path string, logger *slog.Logger) (*SQLiteTraceWriter, error) {
	db, err := openSQLite(path, logger, &traceRow{})
	if err != nil {
		return nil, err
	}
	return &SQLiteTraceWriter{db: db}, nil
}

// WriteRecord implements TraceWriter.
func (w *SQLiteTraceWriter) WriteRecord(ctx context.Context, rec *TraceRecord) error {
	entry := rec.Entry()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	row := traceRow{
		FlowID:     rec.FlowID(),
		StartedAt:  rec.StartedAt(),
		Method:     rec.Method(),
		URL:        rec.URL(),
		Host:       rec.Host(),
		Status:     rec.Status(),
		DurationMS: entry.Time,
		Entry:      string(data),
	}
	if err := w.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trace entry: %w", err)
	}
	return nil
}

// Entries returns stored entries in insertion order. A limit <= 0 returns
// all of them.
func (w *SQLiteTraceWriter) Entries(ctx context.Context, limit int) ([]HAREntry, error) {
	var rows []traceRow
	q := w.db.WithContext(ctx).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list trace entries: %w", err)
	}

	entries := make([]HAREntry, 0, len(rows))
	for _, r := range rows {
		var e HAREntry
		if err := json.Unmarshal([]byte(r.Entry), &e); err != nil {
			return entries, fmt.Errorf("decode trace entry %s: %w", r.FlowID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close closes the database.
func (w *SQLiteTraceWriter) Close() error {
	return closeGorm(w.db)
}

// GormLogger routes gorm logging to slog. SQL statements are logged at
// debug, slow queries at warn and failures at error.
type GormLogger struct {
	logger        *slog.Logger
	level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

// NewGormLogger creates a GormLogger at gorm's Warn level.
func NewGormLogger(logger *slog.Logger) *GormLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormLogger{
		logger:        logger.With("component", "sqlite"),
		level:         gormlogger.Warn,
		SlowThreshold: time.Second,
	}
}

// LogMode implements gormlogger.Interface.
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	nl := *l
	nl.level = level
	return &nl
}

// Info implements gormlogger.Interface.
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Warn implements gormlogger.Interface.
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Error implements gormlogger.Interface.
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace implements gormlogger.Interface.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{"sql", sql, "rows", rows, "elapsed", elapsed}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logger.ErrorContext(ctx, "sql failed", append(attrs, "error", err)...)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.level >= gormlogger.Warn:
		l.logger.WarnContext(ctx, "slow sql", append(attrs, "threshold", l.SlowThreshold)...)
	case l.level >= gormlogger.Info:
		l.logger.DebugContext(ctx, "sql", attrs...)
	}
}
