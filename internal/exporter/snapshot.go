package exporter

import (
	"context"
	"time"

	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/cam3ron2/oss-participation/internal/window"
	"go.uber.org/zap"
)

const defaultSnapshotTimeout = 10 * time.Second

var gaugeHelp = map[string]string{
	"participation_events":                                   "Stored contribution events.",
	"participation_authors":                                  "Distinct authors with stored events.",
	"participation_repositories":                             "Distinct repositories with stored events.",
	"participation_processed_through_week_timestamp_seconds": "Start of the last fully ingested week as a unix timestamp.",
	"participation_latest_week_author_events":                "Events per author in the most recent stored week.",
}

// GaugeSource is the read side of the event store used for gauges.
type GaugeSource interface {
	Totals(ctx context.Context) (map[store.Metric]store.MetricTotals, error)
	Watermark(ctx context.Context) (time.Time, bool, error)
	AuthorWeekCounts(ctx context.Context) ([]store.AuthorWeekCount, error)
}

// StoreSnapshotReader turns stored events into gauge samples.
type StoreSnapshotReader struct {
	source  GaugeSource
	logger  *zap.Logger
	Timeout time.Duration
	Now     func() time.Time
}

// NewStoreSnapshotReader creates a snapshot reader over source.
func NewStoreSnapshotReader(source GaugeSource, logger ...*zap.Logger) *StoreSnapshotReader {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &StoreSnapshotReader{
		source:  source,
		logger:  baseLogger,
		Timeout: defaultSnapshotTimeout,
		Now:     time.Now,
	}
}

// Snapshot implements SnapshotReader. Query failures are logged and yield the samples
// gathered so far.
func (r *StoreSnapshotReader) Snapshot() []store.MetricPoint {
	if r == nil || r.source == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()
	now := r.Now()

	var points []store.MetricPoint
	totals, err := r.source.Totals(ctx)
	if err != nil {
		r.logger.Warn("failed to read store totals", zap.Error(err))
		return points
	}
	for _, metric := range store.Metrics {
		labels := map[string]string{"metric": string(metric)}
		metricTotals := totals[metric]
		points = append(points,
			gauge("participation_events", labels, float64(metricTotals.Events), now),
			gauge("participation_authors", labels, float64(metricTotals.Authors), now),
			gauge("participation_repositories", labels, float64(metricTotals.Repos), now),
		)
	}

	watermark, ok, err := r.source.Watermark(ctx)
	if err != nil {
		r.logger.Warn("failed to read watermark", zap.Error(err))
		return points
	}
	if ok {
		points = append(points, gauge("participation_processed_through_week_timestamp_seconds", nil, float64(watermark.Unix()), now))
	}

	// Per-author series cover only the most recent stored week to bound cardinality.
	counts, err := r.source.AuthorWeekCounts(ctx)
	if err != nil {
		r.logger.Warn("failed to read author counts", zap.Error(err))
		return points
	}
	var latest time.Time
	for _, count := range counts {
		if count.WeekStart.After(latest) {
			latest = count.WeekStart
		}
	}
	for _, count := range counts {
		if !count.WeekStart.Equal(latest) {
			continue
		}
		points = append(points, gauge("participation_latest_week_author_events", map[string]string{
			"metric":     string(count.Metric),
			"author":     count.Author,
			"week_start": window.FormatWeek(count.WeekStart),
		}, float64(count.Count), now))
	}
	return points
}

func gauge(name string, labels map[string]string, value float64, now time.Time) store.MetricPoint {
	return store.MetricPoint{Name: name, Labels: labels, Value: value, UpdatedAt: now}
}
