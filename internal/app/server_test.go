package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/oss-participation/internal/health"
	"github.com/cam3ron2/oss-participation/internal/store"
	json "github.com/goccy/go-json"
)

var serverNow = time.Date(2024, time.March, 14, 12, 0, 0, 0, time.UTC)

type fakeReadStore struct {
	pingErr      error
	watermark    time.Time
	watermarkErr error
	counts       []store.AuthorWeekCount
	countsErr    error
}

func (f *fakeReadStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeReadStore) Watermark(context.Context) (time.Time, bool, error) {
	return f.watermark, !f.watermark.IsZero(), f.watermarkErr
}

func (f *fakeReadStore) Totals(context.Context) (map[store.Metric]store.MetricTotals, error) {
	totals := make(map[store.Metric]store.MetricTotals)
	for _, count := range f.counts {
		entry := totals[count.Metric]
		entry.Events += count.Count
		totals[count.Metric] = entry
	}
	return totals, nil
}

func (f *fakeReadStore) AuthorWeekCounts(context.Context) ([]store.AuthorWeekCount, error) {
	return f.counts, f.countsErr
}

func newTestServer(readStore *fakeReadStore) *Server {
	server := NewServer(readStore, ServerConfig{Orgs: []string{"civicactions"}, Staff: []string{"alice"}})
	server.Now = func() time.Time { return serverNow }
	return server
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerSummary(t *testing.T) {
	t.Parallel()

	week := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)
	readStore := &fakeReadStore{
		watermark: week,
		counts: []store.AuthorWeekCount{
			{Metric: store.MetricPROpened, WeekStart: week, Author: "alice", Count: 2},
			{Metric: store.MetricIssueOpened, WeekStart: week, Author: "bob", Count: 1},
		},
	}
	handler := newTestServer(readStore).Handler()

	rec := get(t, handler, "/summary.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var decoded struct {
		Org          string   `json:"org"`
		Weeks        []string `json:"weeks"`
		StaffAuthors []string `json:"staff_authors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}
	if decoded.Org != "civicactions" || len(decoded.Weeks) != 1 || decoded.Weeks[0] != "2024-03-04" {
		t.Fatalf("summary = %+v", decoded)
	}
	if len(decoded.StaffAuthors) != 1 || decoded.StaffAuthors[0] != "alice" {
		t.Fatalf("StaffAuthors = %v, want [alice]", decoded.StaffAuthors)
	}

	readStore.countsErr = errors.New("database is locked")
	if rec := get(t, handler, "/summary.json"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want 500 when the store fails", rec.Code)
	}
}

func TestServerMetrics(t *testing.T) {
	t.Parallel()

	readStore := &fakeReadStore{
		counts: []store.AuthorWeekCount{
			{Metric: store.MetricPRMerged, WeekStart: time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC), Author: "alice", Count: 3},
		},
	}
	rec := get(t, newTestServer(readStore).Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `participation_events{metric="pr_merged"} 3`) {
		t.Fatalf("metrics output missing pr_merged events:\n%s", body)
	}
}

func TestServerCurrentStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		store    *fakeReadStore
		wantMode health.Mode
		wantCode int
	}{
		{
			name:     "healthy",
			store:    &fakeReadStore{watermark: time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)},
			wantMode: health.ModeHealthy,
			wantCode: http.StatusOK,
		},
		{
			name:     "never_ingested",
			store:    &fakeReadStore{},
			wantMode: health.ModeDegraded,
			wantCode: http.StatusOK,
		},
		{
			name:     "ping_failure",
			store:    &fakeReadStore{pingErr: errors.New("unreachable")},
			wantMode: health.ModeUnhealthy,
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "watermark_failure",
			store:    &fakeReadStore{watermarkErr: errors.New("no such table")},
			wantMode: health.ModeUnhealthy,
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(tc.store)
			if got := server.CurrentStatus(context.Background()).Mode; got != tc.wantMode {
				t.Fatalf("CurrentStatus().Mode = %q, want %q", got, tc.wantMode)
			}
			if rec := get(t, server.Handler(), "/readyz"); rec.Code != tc.wantCode {
				t.Fatalf("/readyz status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), nil)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe() unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ListenAndServe() did not return after cancellation")
	}
}
