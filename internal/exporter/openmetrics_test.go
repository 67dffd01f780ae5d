package exporter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeGaugeSource struct {
	totals       map[store.Metric]store.MetricTotals
	totalsErr    error
	watermark    time.Time
	watermarkErr error
	counts       []store.AuthorWeekCount
	countsErr    error
}

func (f fakeGaugeSource) Totals(context.Context) (map[store.Metric]store.MetricTotals, error) {
	return f.totals, f.totalsErr
}

func (f fakeGaugeSource) Watermark(context.Context) (time.Time, bool, error) {
	return f.watermark, !f.watermark.IsZero(), f.watermarkErr
}

func (f fakeGaugeSource) AuthorWeekCounts(context.Context) ([]store.AuthorWeekCount, error) {
	return f.counts, f.countsErr
}

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestOpenMetricsHandler(t *testing.T) {
	t.Parallel()

	source := fakeGaugeSource{
		totals: map[store.Metric]store.MetricTotals{
			store.MetricPROpened: {Events: 7, Authors: 3, Repos: 2},
		},
		watermark: weekOf(t, "2024-03-04"),
		counts: []store.AuthorWeekCount{
			{Metric: store.MetricPROpened, WeekStart: weekOf(t, "2024-02-26"), Author: "bob", Count: 9},
			{Metric: store.MetricPROpened, WeekStart: weekOf(t, "2024-03-04"), Author: "alice", Count: 4},
		},
	}

	extra := prometheus.NewRegistry()
	runCounter := prometheus.NewCounter(prometheus.CounterOpts{Name: "participation_weeks_committed_total", Help: "test"})
	extra.MustRegister(runCounter)
	runCounter.Add(3)

	body := scrape(t, NewOpenMetricsHandler(NewStoreSnapshotReader(source), extra, nil))
	wantSubstrs := []string{
		`# TYPE participation_events gauge`,
		`# HELP participation_events Stored contribution events.`,
		`participation_events{metric="pr_opened"} 7`,
		`participation_events{metric="issue_opened"} 0`,
		`participation_authors{metric="pr_opened"} 3`,
		`participation_repositories{metric="pr_opened"} 2`,
		`participation_processed_through_week_timestamp_seconds 1.7095104e+09`,
		`participation_latest_week_author_events{author="alice",metric="pr_opened",week_start="2024-03-04"} 4`,
		`participation_weeks_committed_total 3`,
		"# EOF",
	}
	for _, substr := range wantSubstrs {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q:\n%s", substr, body)
		}
	}
	if strings.Contains(body, `author="bob"`) {
		t.Fatalf("metrics output includes an author series from an older week:\n%s", body)
	}
}

func TestStoreSnapshotReaderErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		source     fakeGaugeSource
		wantPoints int
	}{
		{name: "totals_error", source: fakeGaugeSource{totalsErr: errors.New("boom")}, wantPoints: 0},
		{name: "watermark_error", source: fakeGaugeSource{watermarkErr: errors.New("boom")}, wantPoints: 9},
		{name: "counts_error", source: fakeGaugeSource{watermark: time.Unix(1709510400, 0), countsErr: errors.New("boom")}, wantPoints: 10},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			points := NewStoreSnapshotReader(tc.source).Snapshot()
			if len(points) != tc.wantPoints {
				t.Fatalf("len(Snapshot()) = %d, want %d", len(points), tc.wantPoints)
			}
		})
	}

	var nilReader *StoreSnapshotReader
	if got := nilReader.Snapshot(); got != nil {
		t.Fatalf("nil reader Snapshot() = %v, want nil", got)
	}
}

func TestSnapshotCollectorLint(t *testing.T) {
	t.Parallel()

	collector := &snapshotCollector{reader: NewStoreSnapshotReader(fakeGaugeSource{})}
	if got := testutil.CollectAndCount(collector); got != 9 {
		t.Fatalf("CollectAndCount() = %d, want 9", got)
	}
}
