package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	s, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "nested", "participation.sqlite"),
	})
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func week(t *testing.T, raw string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		t.Fatalf("time.Parse(%q) unexpected error: %v", raw, err)
	}
	return parsed
}

func TestSQLStoreInsertEventsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	monday := week(t, "2025-01-13")
	events := []Event{
		{WeekStart: monday, Author: "alice", Repository: "civicactions/site", License: "MIT"},
		{WeekStart: monday, Author: "bob", Repository: "civicactions/site", License: "MIT"},
	}

	first, err := s.InsertEvents(ctx, MetricPROpened, events)
	if err != nil {
		t.Fatalf("InsertEvents() unexpected error: %v", err)
	}
	if first.Inserted != 2 || first.Duplicates != 0 {
		t.Fatalf("first insert = %+v, want 2 inserted 0 duplicates", first)
	}

	second, err := s.InsertEvents(ctx, MetricPROpened, append(events, Event{
		WeekStart: monday, Author: "carol", Repository: "civicactions/site", License: "Apache-2.0",
	}))
	if err != nil {
		t.Fatalf("InsertEvents() unexpected error: %v", err)
	}
	if second.Inserted != 1 || second.Duplicates != 2 {
		t.Fatalf("second insert = %+v, want 1 inserted 2 duplicates", second)
	}

	stored, err := s.Events(ctx, MetricPROpened)
	if err != nil {
		t.Fatalf("Events() unexpected error: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("len(Events) = %d, want 3", len(stored))
	}
	if stored[0].Author != "alice" || !stored[0].WeekStart.Equal(monday) || stored[0].License != "MIT" {
		t.Fatalf("Events()[0] = %+v, want alice MIT on 2025-01-13", stored[0])
	}

	// Same key in a different metric table is a different event.
	other, err := s.InsertEvents(ctx, MetricPRMerged, events[:1])
	if err != nil {
		t.Fatalf("InsertEvents(pr_merged) unexpected error: %v", err)
	}
	if other.Inserted != 1 {
		t.Fatalf("pr_merged insert = %+v, want 1 inserted", other)
	}
}

func TestSQLStoreInsertEventsEdgeCases(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	result, err := s.InsertEvents(ctx, MetricIssueOpened, nil)
	if err != nil {
		t.Fatalf("InsertEvents(nil) unexpected error: %v", err)
	}
	if result != (InsertResult{}) {
		t.Fatalf("InsertEvents(nil) = %+v, want zero", result)
	}

	if _, err := s.InsertEvents(ctx, Metric("commits; DROP TABLE meta"), []Event{{Author: "x"}}); err == nil {
		t.Fatalf("InsertEvents(unknown metric) expected error")
	}

	// Login case is preserved, so these are distinct rows.
	monday := week(t, "2025-01-13")
	result, err = s.InsertEvents(ctx, MetricIssueOpened, []Event{
		{WeekStart: monday, Author: "Alice", Repository: "o/r", License: "MIT"},
		{WeekStart: monday, Author: "alice", Repository: "o/r", License: "MIT"},
	})
	if err != nil {
		t.Fatalf("InsertEvents() unexpected error: %v", err)
	}
	if result.Inserted != 2 {
		t.Fatalf("InsertEvents() = %+v, want 2 inserted", result)
	}
}

func TestSQLStoreInsertRollsBackOnCanceledContext(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.InsertEvents(ctx, MetricPROpened, []Event{
		{WeekStart: week(t, "2025-01-13"), Author: "alice", Repository: "o/r", License: "MIT"},
	}); err == nil {
		t.Fatalf("InsertEvents(canceled) expected error")
	}

	stored, err := s.Events(context.Background(), MetricPROpened)
	if err != nil {
		t.Fatalf("Events() unexpected error: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("len(Events) = %d, want 0 after failed batch", len(stored))
	}
}

func TestSQLStoreWatermark(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Watermark(ctx); err != nil || ok {
		t.Fatalf("Watermark() = ok %t err %v, want absent", ok, err)
	}

	for _, raw := range []string{"2024-12-30", "2025-01-06"} {
		if err := s.SetWatermark(ctx, week(t, raw)); err != nil {
			t.Fatalf("SetWatermark(%s) unexpected error: %v", raw, err)
		}
	}

	got, ok, err := s.Watermark(ctx)
	if err != nil || !ok {
		t.Fatalf("Watermark() = ok %t err %v, want present", ok, err)
	}
	if got.Format("2006-01-02") != "2025-01-06" {
		t.Fatalf("Watermark() = %s, want 2025-01-06", got.Format("2006-01-02"))
	}
}

func TestSQLStoreReadModels(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	w1 := week(t, "2025-01-06")
	w2 := week(t, "2025-01-13")

	mustInsert := func(metric Metric, events ...Event) {
		t.Helper()
		if _, err := s.InsertEvents(ctx, metric, events); err != nil {
			t.Fatalf("InsertEvents(%s) unexpected error: %v", metric, err)
		}
	}
	mustInsert(MetricPROpened,
		Event{WeekStart: w1, Author: "bob", Repository: "o/a", License: "MIT"},
		Event{WeekStart: w1, Author: "bob", Repository: "o/b", License: "MIT"},
		Event{WeekStart: w2, Author: "alice", Repository: "o/a", License: "MIT"},
	)
	mustInsert(MetricIssueOpened,
		Event{WeekStart: w1, Author: "alice", Repository: "o/a", License: "MIT"},
	)

	counts, err := s.AuthorWeekCounts(ctx)
	if err != nil {
		t.Fatalf("AuthorWeekCounts() unexpected error: %v", err)
	}
	var rendered []string
	for _, count := range counts {
		rendered = append(rendered, strings.Join([]string{
			count.WeekStart.Format("2006-01-02"), string(count.Metric), count.Author, strconv.Itoa(count.Count),
		}, "/"))
	}
	want := []string{
		"2025-01-06/pr_opened/bob/2",
		"2025-01-06/issue_opened/alice/1",
		"2025-01-13/pr_opened/alice/1",
	}
	if strings.Join(rendered, ",") != strings.Join(want, ",") {
		t.Fatalf("AuthorWeekCounts() = %v, want %v", rendered, want)
	}

	totals, err := s.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals() unexpected error: %v", err)
	}
	if got := totals[MetricPROpened]; got.Events != 3 || got.Authors != 2 || got.Repos != 2 {
		t.Fatalf("Totals()[pr_opened] = %+v, want 3 events 2 authors 2 repos", got)
	}
	if got := totals[MetricPRMerged]; got != (MetricTotals{}) {
		t.Fatalf("Totals()[pr_merged] = %+v, want zero", got)
	}
}

func TestOpenReopensExistingDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "participation.sqlite")
	ctx := context.Background()

	first, err := Open(ctx, Config{Driver: DriverSQLite, DSN: path})
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	if err := first.SetWatermark(ctx, week(t, "2025-01-06")); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}

	second, err := Open(ctx, Config{Driver: DriverSQLite, DSN: path})
	if err != nil {
		t.Fatalf("Open() second time unexpected error: %v", err)
	}
	defer func() { _ = second.Close() }()

	got, ok, err := second.Watermark(ctx)
	if err != nil || !ok || got.Format("2006-01-02") != "2025-01-06" {
		t.Fatalf("Watermark() after reopen = %s ok %t err %v, want 2025-01-06", got, ok, err)
	}
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		config      Config
		errContains string
	}{
		{name: "missing_dsn", config: Config{Driver: DriverSQLite}, errContains: "dsn is required"},
		{name: "unknown_driver", config: Config{Driver: "mysql", DSN: "x"}, errContains: "unsupported store driver"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Open(context.Background(), tc.config)
			if err == nil || !strings.Contains(err.Error(), tc.errContains) {
				t.Fatalf("Open() error = %v, want substring %q", err, tc.errContains)
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in   string
		want string
	}{
		{in: "data/p.sqlite", want: "data/p.sqlite?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{in: "data/p.sqlite?_txlock=immediate", want: "data/p.sqlite?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{in: "file:p.sqlite?_pragma=foreign_keys(1)", want: "file:p.sqlite?_pragma=foreign_keys(1)"},
		{in: ":memory:", want: ":memory:"},
	}
	for _, tc := range testCases {
		if got := sqliteDSN(tc.in); got != tc.want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if got := sqliteDir("data/nested/p.sqlite?x=1"); got != "data/nested" {
		t.Fatalf("sqliteDir() = %q, want data/nested", got)
	}
	if got := sqliteDir("p.sqlite"); got != "" {
		t.Fatalf("sqliteDir() = %q, want empty", got)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	query := "INSERT INTO meta (key, value) VALUES (?, ?)"
	sqlite := &SQLStore{driver: DriverSQLite}
	if got := sqlite.rebind(query); got != query {
		t.Fatalf("sqlite rebind = %q, want unchanged", got)
	}
	postgres := &SQLStore{driver: DriverPostgres}
	if got := postgres.rebind(query); got != "INSERT INTO meta (key, value) VALUES ($1, $2)" {
		t.Fatalf("postgres rebind = %q", got)
	}
}

func TestSQLStorePostgres(t *testing.T) {
	dsn := os.Getenv("PARTICIPATION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARTICIPATION_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverPostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("Open(postgres) unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	monday := week(t, "2000-01-03")
	event := Event{WeekStart: monday, Author: "postgres-test", Repository: "o/r", License: "MIT"}
	if _, err := s.InsertEvents(ctx, MetricPROpened, []Event{event}); err != nil {
		t.Fatalf("InsertEvents() unexpected error: %v", err)
	}
	again, err := s.InsertEvents(ctx, MetricPROpened, []Event{event})
	if err != nil {
		t.Fatalf("InsertEvents() repeat unexpected error: %v", err)
	}
	if again.Duplicates != 1 {
		t.Fatalf("repeat insert = %+v, want 1 duplicate", again)
	}
}
