// Package window computes Monday-aligned UTC week boundaries for ingestion.
package window

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the persisted week identifier format.
const DateLayout = "2006-01-02"

const week = 7 * 24 * time.Hour

// Resume carries the inputs that decide where a run starts.
type Resume struct {
	Now time.Time
	// Watermark is the last fully ingested week start. Zero means none stored.
	Watermark time.Time
	// ReprocessFrom rewinds to the week containing this date when non-zero.
	ReprocessFrom time.Time
	// ReprocessWeeks rewinds to this many weeks before the last elapsed week when positive.
	ReprocessWeeks int
	// HistoryWeeks bounds the first-run backfill.
	HistoryWeeks int
}

// StartSource names the rule that selected a run's first week.
type StartSource string

const (
	// StartOverride means an explicit reprocess date was used.
	StartOverride StartSource = "override"
	// StartReprocessWeeks means a reprocess-last-N-weeks rewind was used.
	StartReprocessWeeks StartSource = "reprocess_weeks"
	// StartWatermark means the week after the stored watermark was used.
	StartWatermark StartSource = "watermark"
	// StartHistory means no watermark existed and the history horizon was used.
	StartHistory StartSource = "history"
)

// Plan is the ordered list of weeks one run processes.
type Plan struct {
	Start           time.Time
	Source          StartSource
	LastElapsedWeek time.Time
	Weeks           []time.Time
	// Capped reports that eligible weeks were left for a later run.
	Capped bool
}

// Empty reports whether the plan has no work.
func (p Plan) Empty() bool {
	return len(p.Weeks) == 0
}

// WeekStart returns Monday 00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	utc := t.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	// Sunday is 0; it belongs to the week that started six days earlier.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// LastElapsedWeek returns the start of the most recent fully elapsed week.
func LastElapsedWeek(now time.Time) time.Time {
	return WeekStart(now).AddDate(0, 0, -7)
}

// ResolveStart picks the first week to process.
// Priority: explicit override, reprocess-last-N, watermark+1 week, history horizon.
func ResolveStart(r Resume) (time.Time, StartSource) {
	last := LastElapsedWeek(r.Now)
	switch {
	case !r.ReprocessFrom.IsZero():
		return WeekStart(r.ReprocessFrom), StartOverride
	case r.ReprocessWeeks > 0:
		return last.AddDate(0, 0, -7*r.ReprocessWeeks), StartReprocessWeeks
	case !r.Watermark.IsZero():
		return WeekStart(r.Watermark).AddDate(0, 0, 7), StartWatermark
	default:
		history := r.HistoryWeeks
		if history < 0 {
			history = 0
		}
		return last.AddDate(0, 0, -7*history), StartHistory
	}
}

// NewPlan builds the contiguous list of weeks from the resolved start through the last
// elapsed week, truncated to maxWeeks when maxWeeks is positive.
func NewPlan(r Resume, maxWeeks int) Plan {
	start, source := ResolveStart(r)
	last := LastElapsedWeek(r.Now)
	plan := Plan{
		Start:           start,
		Source:          source,
		LastElapsedWeek: last,
	}

	for pointer := start; !pointer.After(last); pointer = pointer.AddDate(0, 0, 7) {
		if maxWeeks > 0 && len(plan.Weeks) >= maxWeeks {
			plan.Capped = true
			break
		}
		plan.Weeks = append(plan.Weeks, pointer)
	}
	return plan
}

// Range returns the inclusive search bounds for a week: its start and one millisecond
// before the following Monday.
func Range(weekStart time.Time) (time.Time, time.Time) {
	from := WeekStart(weekStart)
	return from, from.Add(week - time.Millisecond)
}

// RangeQuery renders a week's bounds as a GitHub search qualifier value.
func RangeQuery(weekStart time.Time) string {
	from, to := Range(weekStart)
	return formatInstant(from) + ".." + formatInstant(to)
}

func formatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatWeek renders a week start as YYYY-MM-DD.
func FormatWeek(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseWeek parses a date or RFC3339 timestamp and returns the start of its week.
func ParseWeek(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("parse week: empty value")
	}
	if parsed, err := time.Parse(DateLayout, trimmed); err == nil {
		return WeekStart(parsed), nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse week %q: want YYYY-MM-DD or RFC3339", raw)
	}
	return WeekStart(parsed), nil
}
