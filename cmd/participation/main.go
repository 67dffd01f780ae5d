package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/oss-participation/internal/app"
	"github.com/cam3ron2/oss-participation/internal/config"
	"github.com/cam3ron2/oss-participation/internal/exporter"
	"github.com/cam3ron2/oss-participation/internal/filter"
	"github.com/cam3ron2/oss-participation/internal/githubapi"
	"github.com/cam3ron2/oss-participation/internal/ingest"
	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/cam3ron2/oss-participation/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	commandIngest = "ingest"
	commandExport = "export"
	commandServe  = "serve"
)

// exitError carries the process exit code for a failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

func runtimeError(err error) error {
	return &exitError{code: exitRuntime, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}
	return exitConfig
}

func main() {
	if err := run(os.Args[1:], os.LookupEnv); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "participation: %v\n", err)
		os.Exit(exitCode(err))
	}
}

type invocation struct {
	command    string
	configPath string
	envFile    string
}

func parseArgs(args []string) (invocation, error) {
	flags := flag.NewFlagSet("participation", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	inv := invocation{}
	flags.StringVar(&inv.configPath, "config", "config/participation.yaml", "path to YAML config file; missing files fall back to defaults")
	flags.StringVar(&inv.envFile, "env-file", ".env", "dotenv file read before the environment; missing files are ignored")
	if err := flags.Parse(args); err != nil {
		return invocation{}, fmt.Errorf("parse flags: %w", err)
	}

	inv.command = commandIngest
	switch flags.NArg() {
	case 0:
	case 1:
		inv.command = strings.ToLower(strings.TrimSpace(flags.Arg(0)))
	default:
		return invocation{}, fmt.Errorf("expected at most one command, got %q", flags.Args())
	}
	switch inv.command {
	case commandIngest, commandExport, commandServe:
		return inv, nil
	default:
		return invocation{}, fmt.Errorf("unknown command %q (want ingest, export, or serve)", inv.command)
	}
}

func run(args []string, lookup config.LookupEnv) error {
	inv, err := parseArgs(args)
	if err != nil {
		return configError(err)
	}

	lookup, err = withDotEnv(inv.envFile, lookup)
	if err != nil {
		return configError(err)
	}
	cfg, err := loadConfig(inv.configPath, lookup)
	if err != nil {
		return configError(err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return configError(fmt.Errorf("build logger: %w", err))
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "participation: sync logger: %v\n", syncErr)
		}
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      telemetry.DefaultServiceName,
		ServiceVersion:   version,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return configError(fmt.Errorf("setup telemetry: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger = logger.With(zap.String("command", inv.command), zap.String("version", version))
	switch inv.command {
	case commandExport:
		return runExport(rootCtx, cfg, lookup, logger)
	case commandServe:
		return runServe(rootCtx, cfg, lookup, logger)
	default:
		return runIngest(rootCtx, cfg, lookup, logger)
	}
}

// withDotEnv layers values from a dotenv file under lookup. Variables already set win.
func withDotEnv(path string, lookup config.LookupEnv) (config.LookupEnv, error) {
	if strings.TrimSpace(path) == "" {
		return lookup, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return lookup, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if value, ok := lookup(key); ok {
			return value, true
		}
		value, ok := values[key]
		return value, ok
	}, nil
}

func loadConfig(path string, lookup config.LookupEnv) (*config.Config, error) {
	var reader io.Reader = strings.NewReader("")
	configFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("open config file: %w", err)
	default:
		defer func() {
			_ = configFile.Close()
		}()
		reader = configFile
	}

	cfg, err := config.Load(reader, lookup)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.SQLStore, error) {
	db, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, runtimeError(fmt.Errorf("open store: %w", err))
	}
	logger.Debug("store opened", zap.String("driver", db.Driver()))
	return db, nil
}

func loadStaff(cfg *config.Config, lookup config.LookupEnv, logger *zap.Logger) []string {
	staff, warnings := config.LoadStaffAllowlist(cfg.Scopes.StaffAllowlistPath, lookup)
	for _, warning := range warnings {
		logger.Warn("staff allowlist", zap.String("warning", warning))
	}
	return staff
}

func runIngest(ctx context.Context, cfg *config.Config, lookup config.LookupEnv, logger *zap.Logger) error {
	if err := cfg.ValidateIngest(); err != nil {
		return configError(err)
	}
	licenses, err := config.LoadLicenseAllowlist(cfg.Scopes.LicenseAllowlistPath)
	if err != nil {
		return configError(err)
	}
	staff := loadStaff(cfg, lookup, logger)

	httpClient, err := githubapi.NewHTTPClient(githubapi.AuthConfig{
		Token:          cfg.GitHub.Token,
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		Timeout:        cfg.GitHub.RequestTimeout,
	})
	if err != nil {
		return configError(fmt.Errorf("build github client: %w", err))
	}
	logBudget(ctx, httpClient, cfg.GitHub.APIBaseURL, logger)

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	metrics := ingest.NewMetrics()
	pager := githubapi.NewPager(
		githubapi.NewGraphQLSearcher(githubapi.SearcherConfig{
			Endpoint:           cfg.GitHub.GraphQLURL,
			HTTPClient:         httpClient,
			MinRequestInterval: cfg.GitHub.MinRequestInterval,
		}),
		githubapi.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
		},
		githubapi.RateLimitPolicy{
			ResetBuffer:     cfg.RateLimit.ResetBuffer,
			FallbackBackoff: cfg.RateLimit.FallbackBackoff,
			MaxBackoff:      cfg.RateLimit.MaxBackoff,
			Now:             time.Now,
		},
		logger,
	)
	pager.PageSize = cfg.GitHub.PageSize
	pager.Observer = metrics

	orchestrator := ingest.New(pager, db, ingest.Options{
		Orgs:           cfg.Scopes.Orgs,
		Staff:          staff,
		Licenses:       filter.NewAllowlist(licenses),
		HistoryWeeks:   cfg.Ingest.HistoryWeeks,
		MaxWeeksPerRun: cfg.Ingest.MaxWeeksPerRun,
		ReprocessFrom:  ingest.ParseReprocessFrom(cfg.Ingest.ReprocessFromWeek, logger),
		ReprocessWeeks: cfg.Ingest.ReprocessWeeks,
	}, logger)
	orchestrator.Metrics = metrics

	if cfg.Lock.Enabled() {
		lock, lockErr := store.NewRedisLock(store.RedisLockConfig{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
			Key:      cfg.Lock.Key,
			TTL:      cfg.Lock.TTL,
		})
		if lockErr != nil {
			return configError(fmt.Errorf("build ingest lock: %w", lockErr))
		}
		defer func() {
			_ = lock.Close()
		}()
		orchestrator.Lock = lock
	}

	report, runErr := orchestrator.Run(ctx)
	if err := metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
		logger.Warn("failed to write metrics textfile", zap.String("path", cfg.Metrics.TextfilePath), zap.Error(err))
	}
	if runErr != nil {
		switch {
		case ingest.IsLockHeld(runErr):
			logger.Warn("another ingestion run holds the lock")
		case errors.Is(runErr, store.ErrLockLost):
			logger.Warn("ingestion lock was lost; remaining weeks resume next run")
		}
		return runtimeError(fmt.Errorf("ingest: %w", runErr))
	}

	fields := []zap.Field{
		zap.Int("weeks_committed", len(report.WeeksCommitted)),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Bool("capped", report.Capped()),
	}
	if !report.Watermark.IsZero() {
		fields = append(fields, zap.String("processed_through_week", report.Watermark.Format("2006-01-02")))
	}
	logger.Info("ingestion complete", fields...)
	return nil
}

// logBudget reports the remaining GraphQL budget before a run. Failures only warn.
func logBudget(ctx context.Context, httpClient *http.Client, apiBaseURL string, logger *zap.Logger) {
	restClient, err := githubapi.NewGitHubRESTClient(httpClient, apiBaseURL)
	if err != nil {
		logger.Warn("skipping rate budget check", zap.Error(err))
		return
	}
	budgetCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	budget, err := restClient.GraphQLBudget(budgetCtx)
	if err != nil {
		logger.Warn("rate budget check failed", zap.Error(err))
		return
	}
	logger.Info(
		"graphql rate budget",
		zap.Int("limit", budget.Limit),
		zap.Int("remaining", budget.Remaining),
		zap.Time("reset_at", budget.ResetAt),
	)
}

func runExport(ctx context.Context, cfg *config.Config, lookup config.LookupEnv, logger *zap.Logger) error {
	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	summary, err := exporter.LoadSummary(ctx, db, cfg.Scopes.Orgs, loadStaff(cfg, lookup, logger), time.Now())
	if err != nil {
		return runtimeError(fmt.Errorf("build summary: %w", err))
	}
	if err := exporter.WriteSummary(cfg.Export.OutputPath, summary); err != nil {
		return runtimeError(fmt.Errorf("write summary: %w", err))
	}
	logger.Info(
		"summary written",
		zap.String("path", cfg.Export.OutputPath),
		zap.Int("weeks", len(summary.Weeks)),
		zap.Int("authors", len(summary.Authors)),
	)
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, lookup config.LookupEnv, logger *zap.Logger) error {
	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	processRegistry := prometheus.NewRegistry()
	processRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server := app.NewServer(db, app.ServerConfig{
		Orgs:      cfg.Scopes.Orgs,
		Staff:     loadStaff(cfg, lookup, logger),
		Gatherers: []prometheus.Gatherer{processRegistry},
	}, logger)
	if err := app.ListenAndServe(ctx, cfg.Server.ListenAddr, server.Handler(), logger); err != nil {
		return runtimeError(err)
	}
	return nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldIgnoreLoggerSyncError reports whether err is the known failure to fsync a terminal.
func shouldIgnoreLoggerSyncError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
