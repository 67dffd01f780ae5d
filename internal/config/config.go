package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

var validStoreDrivers = []string{"sqlite", "postgres"}

// Ingest defaults apply only when the key is absent; an explicit zero is kept.
const (
	DefaultHistoryWeeks   = 260
	DefaultMaxWeeksPerRun = 12
)

// ErrMissingCredential reports that no GitHub credential was configured.
var ErrMissingCredential = errors.New("github credential is required (github.token, GITHUB_TOKEN, or github app settings)")

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	GitHub    GitHubConfig
	Scopes    ScopesConfig
	Ingest    IngestConfig
	Retry     RetryConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	Lock      LockConfig
	Export    ExportConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server and logging settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitHubConfig configures GitHub API access.
type GitHubConfig struct {
	GraphQLURL         string
	APIBaseURL         string
	Token              string
	AppID              int64
	InstallationID     int64
	PrivateKeyPath     string
	RequestTimeout     time.Duration
	PageSize           int
	MinRequestInterval time.Duration
}

// HasAppCredentials reports whether GitHub App installation credentials are complete.
func (g GitHubConfig) HasAppCredentials() bool {
	return g.AppID > 0 && g.InstallationID > 0 && strings.TrimSpace(g.PrivateKeyPath) != ""
}

// ScopesConfig lists who is tracked and which licenses are admissible.
type ScopesConfig struct {
	Orgs                 []string
	StaffAllowlistPath   string
	LicenseAllowlistPath string
}

// IngestConfig controls watermark resumption and per-run limits.
type IngestConfig struct {
	HistoryWeeks      int
	MaxWeeksPerRun    int
	ReprocessFromWeek string
	ReprocessWeeks    int
}

// RetryConfig configures transient failure retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// RateLimitConfig configures waits after rate-limit responses.
type RateLimitConfig struct {
	ResetBuffer     time.Duration
	FallbackBackoff time.Duration
	MaxBackoff      time.Duration
}

// StoreConfig configures the durable event store.
type StoreConfig struct {
	Driver string
	DSN    string
}

// LockConfig configures the optional Redis single-writer lock.
type LockConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Key           string
	TTL           time.Duration
}

// Enabled reports whether a Redis lock is configured.
func (l LockConfig) Enabled() bool {
	return strings.TrimSpace(l.RedisAddr) != ""
}

// ExportConfig configures the JSON summary artifact.
type ExportConfig struct {
	OutputPath string `yaml:"output_path"`
}

// MetricsConfig configures run metric output.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML, applies environment overrides and defaults, and validates the result.
// An empty document is valid and yields the defaults.
func Load(reader io.Reader, lookup LookupEnv) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if len(c.Scopes.Orgs) == 0 {
		errs = append(errs, "scopes.orgs must contain at least one organization")
	}
	seenOrgs := make(map[string]struct{}, len(c.Scopes.Orgs))
	for i, org := range c.Scopes.Orgs {
		if strings.TrimSpace(org) == "" {
			errs = append(errs, fmt.Sprintf("scopes.orgs[%d] is empty", i))
			continue
		}
		if _, ok := seenOrgs[org]; ok {
			errs = append(errs, "scopes.orgs contains duplicate org: "+org)
		}
		seenOrgs[org] = struct{}{}
	}

	if c.Ingest.HistoryWeeks < 0 {
		errs = append(errs, "ingest.history_weeks must be >= 0")
	}
	if c.Ingest.MaxWeeksPerRun <= 0 {
		errs = append(errs, "ingest.max_weeks_per_run must be > 0")
	}
	if c.Ingest.ReprocessWeeks < 0 {
		errs = append(errs, "ingest.reprocess_weeks must be >= 0")
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.GitHub.PageSize <= 0 || c.GitHub.PageSize > 100 {
		errs = append(errs, "github.page_size must be between 1 and 100")
	}
	if c.GitHub.MinRequestInterval < 0 {
		errs = append(errs, "github.min_request_interval must be >= 0")
	}

	if !slices.Contains(validStoreDrivers, c.Store.Driver) {
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, "store.dsn is required")
	}

	if c.Lock.Enabled() && c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be > 0 when lock.redis_addr is set")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateIngest checks settings that only the ingest command needs.
func (c *Config) ValidateIngest() error {
	if strings.TrimSpace(c.GitHub.Token) == "" && !c.GitHub.HasAppCredentials() {
		return ErrMissingCredential
	}
	if strings.TrimSpace(c.Scopes.LicenseAllowlistPath) == "" {
		return fmt.Errorf("scopes.license_allowlist_path is required")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.GitHub.GraphQLURL == "" {
		cfg.GitHub.GraphQLURL = "https://api.github.com/graphql"
	}
	if cfg.GitHub.RequestTimeout <= 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.PageSize == 0 {
		cfg.GitHub.PageSize = 100
	}
	if len(cfg.Scopes.Orgs) == 0 {
		cfg.Scopes.Orgs = []string{"civicactions"}
	}
	if cfg.Scopes.LicenseAllowlistPath == "" {
		cfg.Scopes.LicenseAllowlistPath = "config/oss_spdx_allowlist.json"
	}
	if cfg.Scopes.StaffAllowlistPath == "" {
		cfg.Scopes.StaffAllowlistPath = "config/staff_allowlist.json"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 2 * time.Second
	}
	if cfg.RateLimit.ResetBuffer <= 0 {
		cfg.RateLimit.ResetBuffer = 5 * time.Second
	}
	if cfg.RateLimit.FallbackBackoff <= 0 {
		cfg.RateLimit.FallbackBackoff = 2 * time.Second
	}
	if cfg.RateLimit.MaxBackoff <= 0 {
		cfg.RateLimit.MaxBackoff = 15 * time.Minute
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "data/participation.sqlite"
	}
	if cfg.Lock.Key == "" {
		cfg.Lock.Key = "oss-participation:ingest"
	}
	if cfg.Lock.TTL <= 0 {
		cfg.Lock.TTL = 6 * time.Hour
	}
	if cfg.Export.OutputPath == "" {
		cfg.Export.OutputPath = "data/metrics.json"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig  `yaml:"server"`
	GitHub    rawGitHub     `yaml:"github"`
	Scopes    rawScopes     `yaml:"scopes"`
	Ingest    rawIngest     `yaml:"ingest"`
	Retry     rawRetry      `yaml:"retry"`
	RateLimit rawRateLimit  `yaml:"rate_limit"`
	Store     rawStore      `yaml:"store"`
	Lock      rawLock       `yaml:"lock"`
	Export    ExportConfig  `yaml:"export"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Telemetry rawTelemetry  `yaml:"telemetry"`
}

type rawGitHub struct {
	GraphQLURL         string   `yaml:"graphql_url"`
	APIBaseURL         string   `yaml:"api_base_url"`
	Token              string   `yaml:"token"`
	AppID              int64    `yaml:"app_id"`
	InstallationID     int64    `yaml:"installation_id"`
	PrivateKeyPath     string   `yaml:"private_key_path"`
	RequestTimeout     duration `yaml:"request_timeout"`
	PageSize           int      `yaml:"page_size"`
	MinRequestInterval duration `yaml:"min_request_interval"`
}

type rawScopes struct {
	Orgs                 []string `yaml:"orgs"`
	StaffAllowlistPath   string   `yaml:"staff_allowlist_path"`
	LicenseAllowlistPath string   `yaml:"license_allowlist_path"`
}

type rawIngest struct {
	HistoryWeeks      *int   `yaml:"history_weeks"`
	MaxWeeksPerRun    *int   `yaml:"max_weeks_per_run"`
	ReprocessFromWeek string `yaml:"reprocess_from_week"`
	ReprocessWeeks    int    `yaml:"reprocess_weeks"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
}

type rawRateLimit struct {
	ResetBuffer     duration `yaml:"reset_buffer"`
	FallbackBackoff duration `yaml:"fallback_backoff"`
	MaxBackoff      duration `yaml:"max_backoff"`
}

type rawStore struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type rawLock struct {
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	Key           string   `yaml:"key"`
	TTL           duration `yaml:"ttl"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: r.Server,
		GitHub: GitHubConfig{
			GraphQLURL:         strings.TrimSpace(r.GitHub.GraphQLURL),
			APIBaseURL:         strings.TrimSpace(r.GitHub.APIBaseURL),
			Token:              strings.TrimSpace(r.GitHub.Token),
			AppID:              r.GitHub.AppID,
			InstallationID:     r.GitHub.InstallationID,
			PrivateKeyPath:     r.GitHub.PrivateKeyPath,
			RequestTimeout:     r.GitHub.RequestTimeout.Duration,
			PageSize:           r.GitHub.PageSize,
			MinRequestInterval: r.GitHub.MinRequestInterval.Duration,
		},
		Scopes: ScopesConfig{
			Orgs:                 make([]string, 0, len(r.Scopes.Orgs)),
			StaffAllowlistPath:   r.Scopes.StaffAllowlistPath,
			LicenseAllowlistPath: r.Scopes.LicenseAllowlistPath,
		},
		Ingest: IngestConfig{
			HistoryWeeks:      intOrDefault(r.Ingest.HistoryWeeks, DefaultHistoryWeeks),
			MaxWeeksPerRun:    intOrDefault(r.Ingest.MaxWeeksPerRun, DefaultMaxWeeksPerRun),
			ReprocessFromWeek: strings.TrimSpace(r.Ingest.ReprocessFromWeek),
			ReprocessWeeks:    r.Ingest.ReprocessWeeks,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
		},
		RateLimit: RateLimitConfig{
			ResetBuffer:     r.RateLimit.ResetBuffer.Duration,
			FallbackBackoff: r.RateLimit.FallbackBackoff.Duration,
			MaxBackoff:      r.RateLimit.MaxBackoff.Duration,
		},
		Store: StoreConfig{
			Driver: strings.ToLower(strings.TrimSpace(r.Store.Driver)),
			DSN:    strings.TrimSpace(r.Store.DSN),
		},
		Lock: LockConfig{
			RedisAddr:     strings.TrimSpace(r.Lock.RedisAddr),
			RedisPassword: r.Lock.RedisPassword,
			RedisDB:       r.Lock.RedisDB,
			Key:           strings.TrimSpace(r.Lock.Key),
			TTL:           r.Lock.TTL.Duration,
		},
		Export:  r.Export,
		Metrics: r.Metrics,
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	for _, org := range r.Scopes.Orgs {
		cfg.Scopes.Orgs = append(cfg.Scopes.Orgs, strings.TrimSpace(org))
	}

	return cfg
}

func intOrDefault(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}
