package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// LookupEnv resolves one environment variable. os.LookupEnv satisfies it.
type LookupEnv func(key string) (string, bool)

const (
	envGitHubToken       = "GITHUB_TOKEN"
	envOrgAllowlist      = "ORG_ALLOWLIST"
	envHistoryWeeks      = "HISTORY_WEEKS"
	envMaxWeeksPerRun    = "MAX_WEEKS_PER_RUN"
	envReprocessFromWeek = "REPROCESS_FROM_WEEK"
	envReprocessWeeks    = "REPROCESS_WEEKS"
	envStaffAllowlist    = "STAFF_ALLOWLIST_JSON"
	envDBPath            = "DB_PATH"
	envLogLevel          = "LOG_LEVEL"
)

// applyEnv overlays environment values on top of the YAML document.
func applyEnv(cfg *Config, lookup LookupEnv) error {
	if lookup == nil {
		return nil
	}

	if token, ok := nonEmpty(lookup, envGitHubToken); ok {
		cfg.GitHub.Token = token
	}
	if raw, ok := nonEmpty(lookup, envOrgAllowlist); ok {
		cfg.Scopes.Orgs = SplitList(raw)
	}
	if raw, ok := nonEmpty(lookup, envReprocessFromWeek); ok {
		cfg.Ingest.ReprocessFromWeek = raw
	}
	if raw, ok := nonEmpty(lookup, envDBPath); ok {
		cfg.Store.DSN = raw
	}
	if raw, ok := nonEmpty(lookup, envLogLevel); ok {
		cfg.Server.LogLevel = strings.ToLower(raw)
	}

	var errs []string
	intOverrides := []struct {
		key    string
		target *int
	}{
		{key: envHistoryWeeks, target: &cfg.Ingest.HistoryWeeks},
		{key: envMaxWeeksPerRun, target: &cfg.Ingest.MaxWeeksPerRun},
		{key: envReprocessWeeks, target: &cfg.Ingest.ReprocessWeeks},
	}
	for _, override := range intOverrides {
		raw, ok := nonEmpty(lookup, override.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer, got %q", override.key, raw))
			continue
		}
		*override.target = parsed
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// SplitList splits a comma-separated list, trimming blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// LoadLicenseAllowlist reads the accepted SPDX identifiers from a JSON array file.
func LoadLicenseAllowlist(path string) ([]string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read license allowlist %q: %w", path, err)
	}
	var licenses []string
	if err := json.Unmarshal(payload, &licenses); err != nil {
		return nil, fmt.Errorf("decode license allowlist %q: %w", path, err)
	}
	if len(licenses) == 0 {
		return nil, fmt.Errorf("license allowlist %q is empty", path)
	}
	return licenses, nil
}

// LoadStaffAllowlist resolves tracked contributor logins from STAFF_ALLOWLIST_JSON, then the file at path.
// Unparseable sources are skipped and reported in warnings; a missing file yields an empty list.
func LoadStaffAllowlist(path string, lookup LookupEnv) (logins []string, warnings []string) {
	if lookup != nil {
		if raw, ok := nonEmpty(lookup, envStaffAllowlist); ok {
			err := json.Unmarshal([]byte(raw), &logins)
			if err == nil {
				return logins, warnings
			}
			warnings = append(warnings, fmt.Sprintf("parse %s: %v; falling back to file", envStaffAllowlist, err))
		}
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			warnings = append(warnings, fmt.Sprintf("read staff allowlist %q: %v", path, err))
		}
		return nil, warnings
	}
	logins = nil
	if err := json.Unmarshal(payload, &logins); err != nil {
		warnings = append(warnings, fmt.Sprintf("parse staff allowlist %q: %v; defaulting to empty list", path, err))
		return nil, warnings
	}
	return logins, warnings
}

func nonEmpty(lookup LookupEnv, key string) (string, bool) {
	value, ok := lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
