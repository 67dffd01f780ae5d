// Package exporter publishes stored contribution events as a JSON summary and as
// OpenMetrics gauges.
package exporter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/cam3ron2/oss-participation/internal/window"
	json "github.com/goccy/go-json"
)

// AuthorCounts are one author's event counts for one week.
type AuthorCounts struct {
	PRsOpened    int `json:"prs_opened"`
	PRsMerged    int `json:"prs_merged"`
	IssuesOpened int `json:"issues_opened"`
}

// WeekSeries holds every author's counts for one week.
type WeekSeries struct {
	WeekStart string                  `json:"week_start"`
	ByAuthor  map[string]AuthorCounts `json:"byAuthor"`
}

// Summary is the artifact consumed by the dashboard.
type Summary struct {
	GeneratedAt    string       `json:"generated_at"`
	Org            string       `json:"org"`
	Orgs           []string     `json:"orgs"`
	Weeks          []string     `json:"weeks"`
	Authors        []string     `json:"authors"`
	Series         []WeekSeries `json:"series"`
	StaffAllowlist []string     `json:"staff_allowlist"`
	StaffAuthors   []string     `json:"staff_authors"`
	StaffSeries    []WeekSeries `json:"staff_series"`
}

// CountSource reads aggregated author counts.
type CountSource interface {
	AuthorWeekCounts(ctx context.Context) ([]store.AuthorWeekCount, error)
}

// LoadSummary reads the store and builds a summary.
func LoadSummary(ctx context.Context, source CountSource, orgs, staff []string, now time.Time) (Summary, error) {
	if source == nil {
		return Summary{}, fmt.Errorf("summary source is nil")
	}
	counts, err := source.AuthorWeekCounts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load author counts: %w", err)
	}
	return BuildSummary(counts, orgs, staff, now), nil
}

// BuildSummary aggregates author counts into a summary. Weeks are ascending and authors
// are sorted without regard to case.
func BuildSummary(counts []store.AuthorWeekCount, orgs, staff []string, now time.Time) Summary {
	staffSet := make(map[string]struct{}, len(staff))
	for _, login := range staff {
		staffSet[login] = struct{}{}
	}

	byWeek := make(map[string]map[string]AuthorCounts)
	authorSet := make(map[string]struct{})
	for _, count := range counts {
		week := window.FormatWeek(count.WeekStart)
		entry, ok := byWeek[week]
		if !ok {
			entry = make(map[string]AuthorCounts)
			byWeek[week] = entry
		}
		authorCounts := entry[count.Author]
		switch count.Metric {
		case store.MetricPROpened:
			authorCounts.PRsOpened = count.Count
		case store.MetricPRMerged:
			authorCounts.PRsMerged = count.Count
		case store.MetricIssueOpened:
			authorCounts.IssuesOpened = count.Count
		}
		entry[count.Author] = authorCounts
		authorSet[count.Author] = struct{}{}
	}

	weeks := make([]string, 0, len(byWeek))
	for week := range byWeek {
		weeks = append(weeks, week)
	}
	sort.Strings(weeks)

	authors := make([]string, 0, len(authorSet))
	for author := range authorSet {
		authors = append(authors, author)
	}
	sortCaseInsensitive(authors)

	staffAuthors := make([]string, 0)
	for _, author := range authors {
		if _, ok := staffSet[author]; ok {
			staffAuthors = append(staffAuthors, author)
		}
	}

	series := make([]WeekSeries, 0, len(weeks))
	staffSeries := make([]WeekSeries, 0, len(weeks))
	for _, week := range weeks {
		all := byWeek[week]
		staffOnly := make(map[string]AuthorCounts)
		for author, authorCounts := range all {
			if _, ok := staffSet[author]; ok {
				staffOnly[author] = authorCounts
			}
		}
		series = append(series, WeekSeries{WeekStart: week, ByAuthor: all})
		staffSeries = append(staffSeries, WeekSeries{WeekStart: week, ByAuthor: staffOnly})
	}

	org := ""
	if len(orgs) > 0 {
		org = orgs[0]
	}
	return Summary{
		GeneratedAt:    now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Org:            org,
		Orgs:           nonNil(orgs),
		Weeks:          weeks,
		Authors:        authors,
		Series:         series,
		StaffAllowlist: nonNil(staff),
		StaffAuthors:   staffAuthors,
		StaffSeries:    staffSeries,
	}
}

// WriteSummary writes the summary as indented JSON, replacing path atomically.
func WriteSummary(path string, summary Summary) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("summary output path is required")
	}
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create summary directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".summary-*.json")
	if err != nil {
		return fmt.Errorf("create summary temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	//nolint:gosec // The summary is a public dashboard artifact.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace summary: %w", err)
	}
	return nil
}

func sortCaseInsensitive(values []string) {
	sort.SliceStable(values, func(i, j int) bool {
		left, right := strings.ToLower(values[i]), strings.ToLower(values[j])
		if left != right {
			return left < right
		}
		return values[i] < values[j]
	})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
