package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/acmacalister/harcap"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./harcap.yaml, ~/.harcap/harcap.yaml, /etc/harcap/harcap.yaml)")
		initConfig = flag.String("init-config", "", "write an example config file to path and exit")
		genCA      = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		verbose    = flag.Bool("v", false, "verbose logging")

		exportTrace = flag.String("export", "", "convert a trace (.jsonl or .db) to a HAR file and exit")
		exportOut   = flag.String("o", "", "output path for -export (default: stdout)")

		importRules = flag.String("import-rules", "", "import a CSV rules file into the database given by -rules-db and exit")
		rulesDB     = flag.String("rules-db", "rules.db", "rule database for -import-rules")
	)
	flag.Parse()

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *initConfig != "" {
		if err := harcap.WriteExampleConfig(*initConfig); err != nil {
			bootstrap.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *initConfig)
		return
	}

	cfg, err := harcap.LoadConfig(*configPath)
	if err != nil {
		bootstrap.Error("load config", "error", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, logCloser, err := harcap.NewLogger(cfg.Logging)
	if err != nil {
		bootstrap.Error("configure logging", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	switch {
	case *genCA:
		err = generateCA(cfg.TLS)
	case *exportTrace != "":
		err = exportHAR(*exportTrace, *exportOut, logger)
	case *importRules != "":
		err = importRuleFile(*importRules, *rulesDB, logger)
	default:
		err = run(cfg, logger)
	}
	if err != nil {
		logger.Error("harcap failed", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *harcap.Config, logger *slog.Logger) error {
	var metrics *harcap.Metrics
	if cfg.Metrics.Enabled {
		metrics = harcap.NewMetrics()
		logger.Info("prometheus metrics enabled at /metrics")
	}

	cm, err := harcap.LoadOrCreateCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization, cfg.TLS.CAValidityYears)
	if err != nil {
		return fmt.Errorf("load CA certificate: %w", err)
	}
	cm.LeafValidity = time.Duration(cfg.TLS.CertValidityDays) * 24 * time.Hour
	cm.Metrics = metrics

	store, err := cfg.BuildRuleStore(logger)
	if err != nil {
		return fmt.Errorf("build rule store: %w", err)
	}
	defer func() { _ = store.Close() }()

	writers, err := cfg.BuildTraceWriterFactory(logger)
	if err != nil {
		return err
	}

	upstream := cfg.BuildUpstreamPool()
	defer upstream.CloseIdleConnections()

	health := harcap.NewHealthChecker(nil)

	engines := func(tlsEnabled bool, ic harcap.Interceptor) (harcap.Engine, error) {
		p := harcap.NewProxy(cm, ic)
		p.InterceptTLS = tlsEnabled
		p.Logger = logger
		p.Upstream = upstream
		p.Metrics = metrics
		p.HealthChecker = health
		p.MaxBodyBytes = cfg.Capture.MaxBodyBytes
		p.ReadTimeout = cfg.Server.ReadTimeout
		return p, nil
	}

	lc := harcap.NewLifecycle(store, engines, writers, cfg.LifecycleConfig())
	lc.Logger = logger
	lc.Metrics = metrics
	lc.Redactor = cfg.BuildRedactor()
	if cfg.Logging.Captures {
		lc.CaptureLog = harcap.NewCaptureLogger(logger)
	}
	lc.OnStateChange(func(ch harcap.StateChange) {
		if ch.Err != nil {
			logger.Error("capture session ended", "from", ch.From, "error", ch.Err)
		}
	})

	health.State = lc.State
	health.SetAlive(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		api := harcap.NewAdminAPI(lc)
		api.Logger = logger
		api.PathPrefix = cfg.Admin.PathPrefix
		api.DefaultPort = cfg.Server.Port
		api.DefaultTLS = cfg.Server.TLSEnabled

		adminSrv = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           api.Routes(metrics, health),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("admin API listening", "addr", cfg.Admin.Addr, "prefix", cfg.Admin.PathPrefix)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin API error", "error", err)
			}
		}()
	}

	hup := harcap.WatchSIGHUP(lc, logger)
	defer hup.Cancel()

	if cfg.Rules.WatchFile != "" {
		rw, err := harcap.NewRulesWatcher(cfg.Rules.WatchFile, lc)
		if err != nil {
			return err
		}
		rw.Logger = logger
		go func() {
			if err := rw.Run(ctx); err != nil {
				logger.Error("rules watcher stopped", "error", err)
			}
		}()
	}

	if cfg.Trace.RotateSchedule != "" {
		rot, err := harcap.NewRotationScheduler(lc, cfg.Trace.RotateSchedule, logger)
		if err != nil {
			return err
		}
		if err := rot.Start(); err != nil {
			return err
		}
		defer rot.Stop()
	}

	if cfg.Server.AutoStart {
		if err := lc.Start(ctx, cfg.Server.Port, cfg.Server.TLSEnabled); err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
		if cfg.Server.TLSEnabled {
			logger.Info("ensure the CA certificate is trusted by your system/browser", "ca_cert", cfg.TLS.CACert)
		}
	} else {
		logger.Info("capture idle, waiting for POST /start on the admin API")
	}

	<-ctx.Done()
	logger.Info("shutting down...")
	health.SetAlive(false)

	if lc.State() == harcap.StateRunning {
		if err := lc.Stop(context.Background()); err != nil {
			logger.Warn("stop capture", "error", err)
		}
	}
	if adminSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(sctx)
	}
	return nil
}

func generateCA(cfg harcap.TLSConfig) error {
	if _, err := os.Stat(cfg.CACert); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", cfg.CACert)
	}
	if _, err := os.Stat(cfg.CAKey); err == nil {
		return fmt.Errorf("CA key already exists at %s", cfg.CAKey)
	}

	slog.Info("generating CA certificate", "org", cfg.Organization)

	if _, err := harcap.LoadOrCreateCA(cfg.CACert, cfg.CAKey, cfg.Organization, cfg.CAValidityYears); err != nil {
		return err
	}

	slog.Info("CA certificate generated", "cert", cfg.CACert, "key", cfg.CAKey)
	slog.Info("add the CA certificate to your system/browser trust store")
	return nil
}

func exportHAR(tracePath, outPath string, logger *slog.Logger) error {
	var (
		entries []harcap.HAREntry
		err     error
	)
	switch strings.ToLower(filepath.Ext(tracePath)) {
	case ".db", ".sqlite", ".sqlite3":
		w, openErr := harcap.OpenSQLiteTraceWriter(tracePath, logger)
		if openErr != nil {
			return openErr
		}
		entries, err = w.Entries(context.Background(), 0)
		_ = w.Close()
	default:
		entries, err = harcap.ReadTraceFile(tracePath)
	}
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	var out io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	if err := harcap.WriteHAR(out, entries); err != nil {
		return err
	}
	logger.Info("exported HAR", "entries", len(entries), "source", tracePath, "output", outPath)
	return nil
}

func importRuleFile(csvPath, dbPath string, logger *slog.Logger) error {
	ctx := context.Background()
	src := harcap.NewCSVRuleStore(csvPath)
	filters, err := src.ListFilterRules(ctx, false)
	if err != nil {
		return err
	}
	hosts, err := src.ListHostRules(ctx, false)
	if err != nil {
		return err
	}

	db, err := harcap.OpenSQLiteRuleStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.ImportRules(ctx, filters, hosts); err != nil {
		return err
	}
	logger.Info("imported rules", "filters", len(filters), "hosts", len(hosts), "db", dbPath)
	return nil
}
