// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/olegiv/xray-audit/internal/cache"
	"github.com/olegiv/xray-audit/internal/classify"
	"github.com/olegiv/xray-audit/internal/config"
	"github.com/olegiv/xray-audit/internal/digest"
	"github.com/olegiv/xray-audit/internal/filter"
	"github.com/olegiv/xray-audit/internal/health"
	"github.com/olegiv/xray-audit/internal/ingest"
	"github.com/olegiv/xray-audit/internal/janitor"
	"github.com/olegiv/xray-audit/internal/logging"
	"github.com/olegiv/xray-audit/internal/parser"
	"github.com/olegiv/xray-audit/internal/scheduler"
	"github.com/olegiv/xray-audit/internal/store"
	"github.com/olegiv/xray-audit/internal/version"
)

// Version information - injected at build time via ldflags
var (
	appVersion   = "dev"
	appGitCommit = "unknown"
	appBuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	envFile := flag.String("env-file", "", "Path to a .env file (default: $AUDIT_ENV_FILE or .env)")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "xaudit - Xray proxy log audit collector\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  AUDIT_LOG_PATH         Access log to tail (default: /var/log/xray/access.log)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  AUDIT_ERROR_LOG_PATH   Error log to tail (default: /var/log/xray/error.log)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  AUDIT_DB_DRIVER        sqlite|sqlite3|mysql (default: sqlite)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  AUDIT_DB_DSN           Database path or DSN (default: ./data/xray_audit.db)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  AUDIT_REDIS_URL        Redis URL for dashboard aggregates (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  AUDIT_STATUS_ADDR      Listen address for /status and /healthz (optional)\n")
	}

	flag.Parse()

	if *showVersion {
		_, _ = fmt.Printf("xaudit %s (commit: %s, built: %s)\n", appVersion, appGitCommit, appBuildTime)
		os.Exit(0)
	}

	if err := run(*envFile); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

// loadEnvFile loads a .env file if present. Existing variables win.
func loadEnvFile(path string) error {
	if path == "" {
		path = os.Getenv("AUDIT_ENV_FILE")
	}
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func run(envFile string) error {
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	versionInfo := &version.Info{
		Version:   appVersion,
		GitCommit: appGitCommit,
		BuildTime: appBuildTime,
	}
	reporter := health.NewReporter(cfg.NodeID, versionInfo.String())

	// Warnings and errors also surface as last_error in the health status.
	base := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, os.Stdout)
	logger := slog.New(logging.NewHealthHandler(base, reporter))
	slog.SetDefault(logger)
	slog.Info("starting collector", "node", cfg.NodeID, "version", versionInfo.String(), "run_id", reporter.RunID())

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading log timezone: %w", err)
	}

	classifier := classify.Default()
	if cfg.ClassifierRules != "" {
		if classifier, err = classify.LoadRules(cfg.ClassifierRules); err != nil {
			return fmt.Errorf("loading classifier rules: %w", err)
		}
		slog.Info("classifier rules loaded", "path", cfg.ClassifierRules)
	}

	if err := ensureDataDir(cfg.DBDriver, cfg.DBDSN); err != nil {
		return err
	}

	slog.Info("initializing database", "driver", cfg.DBDriver)
	db, err := store.NewDB(cfg.DBDriver, cfg.DBDSN, store.DefaultDBConfig())
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			slog.Error("error closing database connection", "error", err)
		}
	}(db)

	slog.Info("running database migrations")
	if err := store.Migrate(db, cfg.DBDriver); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	st, err := store.New(db, cfg.DBDriver)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	slog.Info("database ready")

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisURL = cfg.RedisURL
	cacheCfg.Prefix = cfg.CachePrefix
	cacheCfg.NodeID = cfg.NodeID
	agg := cache.New(cacheCfg, logger)
	defer func() {
		if err := agg.Close(); err != nil {
			slog.Error("error closing aggregate cache", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(logger)
	if err := registerJobs(sched, cfg, st, reporter, logger); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	for _, e := range sched.Entries() {
		slog.Info("job scheduled", "job", e.Name, "next_run", e.Next)
	}

	reporter.WatchCache(agg)
	go reporter.Run(ctx, agg, cfg.HealthInterval, logger)

	if cfg.StatusAddr != "" {
		h := health.NewHandler(reporter, st, st.Checkpoints())
		if p, ok := agg.(health.Pinger); ok {
			h.WithCache(p)
		}
		go func() {
			if err := health.Serve(ctx, cfg.StatusAddr, h.Routes(), logger); err != nil {
				slog.Error("status server error", "error", err)
			}
		}()
	}

	deps := ingest.Deps{
		Parser:     parser.New(loc),
		Classifier: classifier,
		Filter: filter.New(filter.Config{
			DropAPIToAPI:          cfg.DropAPIToAPI,
			ExcludeDetours:        cfg.ExcludeDetours,
			DropInvalidVLESSProbe: cfg.DropInvalidVLESSProbe,
			DropLoopbackTraffic:   cfg.DropLoopbackTraffic,
			ErrorMinLevel:         cfg.ErrorMinLevel,
			ErrorDropNoise:        cfg.ErrorDropNoise,
		}),
		Checkpoints: st.Checkpoints(),
		Logger:      logger,
	}

	sources := []ingest.Config{sourceConfig(cfg, ingest.KindAccess, cfg.LogPath)}
	if cfg.ErrorLogEnabled {
		sources = append(sources, sourceConfig(cfg, ingest.KindError, cfg.ErrorLogPath))
	}

	// A fatal error in one source leaves the others running.
	var g errgroup.Group
	for _, src := range sources {
		d := deps
		d.Stats = reporter.Source(src.Name, src.Path)
		d.Persister = ingest.NewPersister(st, agg, d.Stats, logger, ingest.DefaultPersisterConfig())
		p := ingest.New(src, d)
		g.Go(func() error {
			if err := p.Run(ctx); err != nil {
				return fmt.Errorf("source %s: %w", src.Name, err)
			}
			return nil
		})
	}

	err = g.Wait()
	stop()
	slog.Info("collector stopped")
	return err
}

func sourceConfig(cfg *config.Config, kind ingest.Kind, path string) ingest.Config {
	return ingest.Config{
		Name:          string(kind),
		Path:          path,
		Kind:          kind,
		NodeID:        cfg.NodeID,
		StartAtEnd:    cfg.StartAtEnd(),
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		PollInterval:  cfg.PollInterval,
		QueueSize:     cfg.CommitQueue,
	}
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, st *store.Store, reporter *health.Reporter, logger *slog.Logger) error {
	jcfg := janitor.DefaultConfig()
	jcfg.Raw = cfg.RetentionRaw
	jcfg.Access = cfg.RetentionAccess
	jcfg.DNS = cfg.RetentionDNS
	jcfg.Error = cfg.RetentionError
	jcfg.Auth = cfg.RetentionAuth
	jcfg.RuntimeConfig = cfg.RetentionRuntime
	jcfg.BatchSize = cfg.RetentionBatchSize
	j := janitor.New(st, jcfg, logger, reporter.AddRetentionDeleted)
	if err := sched.Add("retention", cfg.RetentionSchedule, 30*time.Minute, j.Job); err != nil {
		return fmt.Errorf("scheduling retention: %w", err)
	}

	if !cfg.DigestEnabled {
		return nil
	}
	summarizer, err := digest.NewOpenAISummarizer(digest.OpenAIConfig{
		BaseURL: cfg.DigestAPIURL,
		APIKey:  cfg.DigestAPIKey,
		Model:   cfg.DigestModel,
		Timeout: cfg.DigestTimeout,
	})
	if err != nil {
		return err
	}
	notifier, err := digest.NewTelegram(cfg.DigestTGToken, cfg.DigestTGChatID)
	if err != nil {
		return err
	}
	w := digest.NewWorker(st, summarizer, notifier, digest.Config{
		Window:   cfg.DigestWindow,
		MaxItems: cfg.DigestMaxItems,
	}, logger)
	if err := sched.Add("error_digest", cfg.DigestSchedule, 2*time.Minute, w.Job); err != nil {
		return fmt.Errorf("scheduling digest: %w", err)
	}
	slog.Info("error digest enabled", "schedule", cfg.DigestSchedule, "model", cfg.DigestModel)
	return nil
}

// ensureDataDir creates the parent directory of a SQLite database file.
func ensureDataDir(driver, dsn string) error {
	if driver == store.DriverMySQL || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
