package store

import (
	"fmt"
	"time"
)

// Metric names one kind of contribution event. Each kind has its own table.
type Metric string

const (
	// MetricPROpened counts pull requests opened.
	MetricPROpened Metric = "pr_opened"
	// MetricPRMerged counts pull requests merged.
	MetricPRMerged Metric = "pr_merged"
	// MetricIssueOpened counts issues opened.
	MetricIssueOpened Metric = "issue_opened"
)

// Metrics lists every metric kind in processing order.
var Metrics = []Metric{MetricPROpened, MetricPRMerged, MetricIssueOpened}

// Valid reports whether m is a known metric kind.
func (m Metric) Valid() bool {
	switch m {
	case MetricPROpened, MetricPRMerged, MetricIssueOpened:
		return true
	default:
		return false
	}
}

func (m Metric) table() (string, error) {
	if !m.Valid() {
		return "", fmt.Errorf("unknown metric %q", m)
	}
	return string(m), nil
}

// Event is one contribution event. (WeekStart, Author, Repository) is unique per metric.
type Event struct {
	WeekStart  time.Time
	Author     string
	Repository string
	License    string
}

// InsertResult reports how a batch insert went.
type InsertResult struct {
	Inserted   int
	Duplicates int
}

// Add accumulates other into r.
func (r *InsertResult) Add(other InsertResult) {
	r.Inserted += other.Inserted
	r.Duplicates += other.Duplicates
}

// AuthorWeekCount is the number of events one author has in one week for one metric.
type AuthorWeekCount struct {
	Metric    Metric
	WeekStart time.Time
	Author    string
	Count     int
}

// MetricTotals summarizes one metric table.
type MetricTotals struct {
	Events  int
	Authors int
	Repos   int
}

// MetricPoint is a single gauge sample derived from stored events.
type MetricPoint struct {
	Name      string
	Labels    map[string]string
	Value     float64
	UpdatedAt time.Time
}
