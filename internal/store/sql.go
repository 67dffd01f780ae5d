package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/oss-participation/internal/window"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite selects the embedded SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server.
	DriverPostgres = "postgres"

	watermarkKey = "processed_through_week"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var migrateMu sync.Mutex

// Config configures the SQL event store.
type Config struct {
	Driver string
	DSN    string
}

// SQLStore persists contribution events and the ingestion watermark.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("store dsn is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	if dir := sqliteDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// sqliteDSN adds per-connection pragmas unless the caller already set some.
func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func sqliteDir(dsn string) string {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return ""
	}
	return dir
}

// Migrate applies the embedded schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	dialect := "sqlite3"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is not initialized")
	}
	return s.db.PingContext(ctx)
}

// Driver returns the configured driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// InsertEvents inserts events for metric in one transaction. Rows that already exist are
// left untouched and counted as duplicates.
func (s *SQLStore) InsertEvents(ctx context.Context, metric Metric, events []Event) (InsertResult, error) {
	table, err := metric.table()
	if err != nil {
		return InsertResult{}, err
	}
	if len(events) == 0 {
		return InsertResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("begin %s insert: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		"INSERT INTO "+table+" (week_start, author, repo, spdx) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT (week_start, author, repo) DO NOTHING",
	))
	if err != nil {
		return InsertResult{}, fmt.Errorf("prepare %s insert: %w", table, err)
	}
	defer func() { _ = stmt.Close() }()

	result := InsertResult{}
	for _, event := range events {
		res, err := stmt.ExecContext(ctx, window.FormatWeek(event.WeekStart), event.Author, event.Repository, event.License)
		if err != nil {
			return InsertResult{}, fmt.Errorf("insert %s row: %w", table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return InsertResult{}, fmt.Errorf("insert %s row: %w", table, err)
		}
		if affected > 0 {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit %s insert: %w", table, err)
	}
	return result, nil
}

// Watermark returns the last fully ingested week. ok is false when none is stored.
func (s *SQLStore) Watermark(ctx context.Context) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT value FROM meta WHERE key = ?"), watermarkKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark: %w", err)
	}
	week, err := window.ParseWeek(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark: %w", err)
	}
	return week, true, nil
}

// SetWatermark records week as the last fully ingested week.
func (s *SQLStore) SetWatermark(ctx context.Context, week time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
	), watermarkKey, window.FormatWeek(week))
	if err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

// AuthorWeekCounts returns per-author weekly event counts for every metric, ordered by
// week, metric, then author.
func (s *SQLStore) AuthorWeekCounts(ctx context.Context) ([]AuthorWeekCount, error) {
	var out []AuthorWeekCount
	for _, metric := range Metrics {
		table, _ := metric.table()
		rows, err := s.db.QueryContext(ctx,
			"SELECT week_start, author, COUNT(*) FROM "+table+" GROUP BY week_start, author",
		)
		if err != nil {
			return nil, fmt.Errorf("query %s counts: %w", table, err)
		}
		counts, err := scanAuthorWeekCounts(rows, metric)
		if err != nil {
			return nil, fmt.Errorf("scan %s counts: %w", table, err)
		}
		out = append(out, counts...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].WeekStart.Equal(out[j].WeekStart) {
			return out[i].WeekStart.Before(out[j].WeekStart)
		}
		if out[i].Metric != out[j].Metric {
			return metricOrder(out[i].Metric) < metricOrder(out[j].Metric)
		}
		return out[i].Author < out[j].Author
	})
	return out, nil
}

func scanAuthorWeekCounts(rows *sql.Rows, metric Metric) ([]AuthorWeekCount, error) {
	defer func() { _ = rows.Close() }()

	var out []AuthorWeekCount
	for rows.Next() {
		var (
			rawWeek string
			count   AuthorWeekCount
		)
		if err := rows.Scan(&rawWeek, &count.Author, &count.Count); err != nil {
			return nil, err
		}
		week, err := window.ParseWeek(rawWeek)
		if err != nil {
			return nil, err
		}
		count.Metric = metric
		count.WeekStart = week
		out = append(out, count)
	}
	return out, rows.Err()
}

// Totals returns event, author, and repository counts for every metric.
func (s *SQLStore) Totals(ctx context.Context) (map[Metric]MetricTotals, error) {
	out := make(map[Metric]MetricTotals, len(Metrics))
	for _, metric := range Metrics {
		table, _ := metric.table()
		var totals MetricTotals
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*), COUNT(DISTINCT author), COUNT(DISTINCT repo) FROM "+table,
		).Scan(&totals.Events, &totals.Authors, &totals.Repos)
		if err != nil {
			return nil, fmt.Errorf("query %s totals: %w", table, err)
		}
		out[metric] = totals
	}
	return out, nil
}

// Events returns every stored event for metric ordered by week, author, then repository.
func (s *SQLStore) Events(ctx context.Context, metric Metric) ([]Event, error) {
	table, err := metric.table()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT week_start, author, repo, spdx FROM "+table+" ORDER BY week_start, author, repo",
	)
	if err != nil {
		return nil, fmt.Errorf("query %s events: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			rawWeek string
			event   Event
		)
		if err := rows.Scan(&rawWeek, &event.Author, &event.Repository, &event.License); err != nil {
			return nil, fmt.Errorf("scan %s event: %w", table, err)
		}
		if event.WeekStart, err = window.ParseWeek(rawWeek); err != nil {
			return nil, fmt.Errorf("scan %s event: %w", table, err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var builder strings.Builder
	builder.Grow(len(query) + 8)
	position := 0
	for _, r := range query {
		if r == '?' {
			position++
			builder.WriteString("$")
			builder.WriteString(strconv.Itoa(position))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func metricOrder(metric Metric) int {
	for i, candidate := range Metrics {
		if candidate == metric {
			return i
		}
	}
	return len(Metrics)
}
