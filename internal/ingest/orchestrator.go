// Package ingest walks unprocessed weeks and stores the contribution events found for each.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/oss-participation/internal/filter"
	"github.com/cam3ron2/oss-participation/internal/githubapi"
	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/cam3ron2/oss-participation/internal/telemetry"
	"github.com/cam3ron2/oss-participation/internal/window"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const lockReleaseTimeout = 5 * time.Second

// Searcher returns every node of a paged search.
type Searcher interface {
	FetchAll(ctx context.Context, req githubapi.PageRequest) ([]githubapi.SearchNode, error)
}

// EventStore persists events and the watermark.
type EventStore interface {
	Watermark(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, week time.Time) error
	InsertEvents(ctx context.Context, metric store.Metric, events []store.Event) (store.InsertResult, error)
}

// RunLock keeps a single ingester writing at a time. Extend is called after every
// committed week so a long backfill outlives the initial TTL.
type RunLock interface {
	Acquire(ctx context.Context) error
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// State is the orchestrator's position in a run.
type State int

const (
	// StateIdle means no run is in progress.
	StateIdle State = iota
	// StateSelectingWeek means the next week is being chosen.
	StateSelectingWeek
	// StateProcessingScopes means searches for the current week are running.
	StateProcessingScopes
	// StateCommittingWatermark means the current week is being recorded as done.
	StateCommittingWatermark
	// StateDone means the run finished.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelectingWeek:
		return "selecting_week"
	case StateProcessingScopes:
		return "processing_scopes"
	case StateCommittingWatermark:
		return "committing_watermark"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Options configures what a run covers.
type Options struct {
	Orgs           []string
	Staff          []string
	Licenses       filter.Allowlist
	HistoryWeeks   int
	MaxWeeksPerRun int
	// ReprocessFrom restarts at the week containing this date when non-zero.
	ReprocessFrom  time.Time
	ReprocessWeeks int
}

// RunReport summarizes one run.
type RunReport struct {
	Plan           window.Plan
	WeeksCommitted []time.Time
	// Watermark is the last committed week, or the stored watermark when nothing was committed.
	Watermark time.Time
	// InsertResult totals new rows and rows absorbed by the unique key.
	store.InsertResult
	Rejections filter.Tally
}

// Capped reports whether weeks were left for a later run.
func (r RunReport) Capped() bool {
	return r.Plan.Capped
}

// Orchestrator runs ingestion one week at a time.
type Orchestrator struct {
	searcher Searcher
	store    EventStore
	opts     Options
	logger   *zap.Logger

	// Lock is optional. When set it is held for the whole run.
	Lock RunLock
	// Metrics is optional.
	Metrics *Metrics
	// Now is injected for deterministic tests.
	Now func() time.Time

	mu    sync.RWMutex
	state State
}

// New creates an orchestrator.
func New(searcher Searcher, eventStore EventStore, opts Options, logger ...*zap.Logger) *Orchestrator {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Orchestrator{
		searcher: searcher,
		store:    eventStore,
		opts:     opts,
		logger:   baseLogger,
		Now:      time.Now,
		state:    StateIdle,
	}
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	previous := o.state
	o.state = next
	o.mu.Unlock()
	if previous != next {
		o.logger.Debug("ingest state changed", zap.Stringer("from", previous), zap.Stringer("to", next))
	}
}

// Run ingests every planned week. A failure stops the run and leaves the watermark at the
// last fully committed week.
func (o *Orchestrator) Run(ctx context.Context) (report RunReport, err error) {
	if o.searcher == nil || o.store == nil {
		return RunReport{}, fmt.Errorf("orchestrator is not fully configured")
	}
	report.Rejections = filter.Tally{}

	if o.Lock != nil {
		if err := o.Lock.Acquire(ctx); err != nil {
			return report, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
			defer cancel()
			if releaseErr := o.Lock.Release(releaseCtx); releaseErr != nil {
				o.logger.Warn("failed to release ingestion lock", zap.Error(releaseErr))
			}
		}()
	}

	defer func() {
		if o.Metrics != nil {
			o.Metrics.observeRun(err)
		}
		o.setState(StateDone)
	}()

	o.setState(StateSelectingWeek)
	watermark, ok, err := o.store.Watermark(ctx)
	if err != nil {
		return report, err
	}
	if ok {
		report.Watermark = watermark
		if o.Metrics != nil {
			o.Metrics.observeWatermark(watermark)
		}
	}

	plan := window.NewPlan(window.Resume{
		Now:            o.Now(),
		Watermark:      watermark,
		ReprocessFrom:  o.opts.ReprocessFrom,
		ReprocessWeeks: o.opts.ReprocessWeeks,
		HistoryWeeks:   o.opts.HistoryWeeks,
	}, o.opts.MaxWeeksPerRun)
	report.Plan = plan
	o.logPlan(plan)

	for _, week := range plan.Weeks {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		o.setState(StateProcessingScopes)
		if err := o.processWeek(ctx, week, &report); err != nil {
			return report, fmt.Errorf("ingest week %s: %w", window.FormatWeek(week), err)
		}

		o.setState(StateCommittingWatermark)
		if err := o.store.SetWatermark(ctx, week); err != nil {
			return report, fmt.Errorf("commit week %s: %w", window.FormatWeek(week), err)
		}
		report.WeeksCommitted = append(report.WeeksCommitted, week)
		report.Watermark = week
		if o.Metrics != nil {
			o.Metrics.observeCommit(week)
		}
		o.logger.Info("committed week", zap.String("week_start", window.FormatWeek(week)))

		if o.Lock != nil {
			if err := o.Lock.Extend(ctx); err != nil {
				return report, fmt.Errorf("after week %s: %w", window.FormatWeek(week), err)
			}
		}

		o.setState(StateSelectingWeek)
	}

	if plan.Capped {
		o.logger.Info(
			"reached weekly cap; remaining weeks resume next run",
			zap.Int("max_weeks_per_run", o.opts.MaxWeeksPerRun),
		)
	}
	o.logger.Info(
		"ingestion run finished",
		zap.Int("weeks_committed", len(report.WeeksCommitted)),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("rejected", report.Rejections.ByReason().Total()),
	)
	o.logRejections(report.Rejections)
	return report, nil
}

// logRejections emits one line per metric and scope, in a stable order.
func (o *Orchestrator) logRejections(tally filter.Tally) {
	for _, key := range tally.Keys() {
		counts := tally[key]
		fields := []zap.Field{
			zap.String("metric", key.Metric),
			zap.String("scope", key.Scope),
			zap.Int("skipped", counts.Total()),
		}
		for _, reason := range filter.Reasons {
			fields = append(fields, zap.Int(string(reason), counts[reason]))
		}
		o.logger.Info("run skipped records", fields...)
	}
}

func (o *Orchestrator) logPlan(plan window.Plan) {
	fields := []zap.Field{
		zap.String("start", window.FormatWeek(plan.Start)),
		zap.String("start_source", string(plan.Source)),
		zap.String("last_elapsed_week", window.FormatWeek(plan.LastElapsedWeek)),
		zap.Int("planned_weeks", len(plan.Weeks)),
		zap.Strings("orgs", o.opts.Orgs),
		zap.Int("staff_count", len(o.opts.Staff)),
		zap.Int("license_allowlist_size", o.opts.Licenses.Len()),
		zap.Int("max_weeks_per_run", o.opts.MaxWeeksPerRun),
	}
	switch plan.Source {
	case window.StartHistory:
		o.logger.Info("no watermark found; starting from history horizon", append(fields, zap.Int("history_weeks", o.opts.HistoryWeeks))...)
	case window.StartOverride:
		o.logger.Info("reprocessing from week override", fields...)
	case window.StartReprocessWeeks:
		o.logger.Info("reprocessing recent weeks", append(fields, zap.Int("reprocess_weeks", o.opts.ReprocessWeeks))...)
	default:
		o.logger.Info("resuming after watermark", fields...)
	}
	if plan.Empty() {
		o.logger.Info("no elapsed weeks to process")
	}
}

func (o *Orchestrator) processWeek(ctx context.Context, week time.Time, report *RunReport) (err error) {
	ctx, span := telemetry.StartDependency(ctx, "ingest", "ingest.week",
		attribute.String("participation.week_start", window.FormatWeek(week)),
	)
	defer func() { telemetry.Finish(span, err, "week ingested") }()

	o.logger.Info("processing week", zap.String("week_start", window.FormatWeek(week)))
	for _, query := range BuildScopeQueries(week, o.opts.Orgs, o.opts.Staff) {
		if err := o.processScope(ctx, query, report); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) processScope(ctx context.Context, query ScopeQuery, report *RunReport) error {
	nodes, err := o.searcher.FetchAll(ctx, githubapi.PageRequest{
		Query:  query.Query,
		Metric: string(query.Metric),
		Label:  query.Label,
	})
	if err != nil {
		return fmt.Errorf("search %s (%s): %w", query.Metric, query.Label, err)
	}

	filtered := filter.Apply(nodes, o.opts.Licenses)
	events := make([]store.Event, 0, len(filtered.Candidates))
	for _, candidate := range filtered.Candidates {
		events = append(events, store.Event{
			WeekStart:  query.WeekStart,
			Author:     candidate.Author,
			Repository: candidate.Repository,
			License:    candidate.License,
		})
	}

	result, err := o.store.InsertEvents(ctx, query.Metric, events)
	if err != nil {
		return fmt.Errorf("store %s (%s): %w", query.Metric, query.Label, err)
	}

	report.InsertResult.Add(result)
	report.Rejections.Add(filter.Key{Metric: string(query.Metric), Scope: query.Label}, filtered.Rejected)
	if o.Metrics != nil {
		o.Metrics.observeBatch(query.Metric, result, filtered.Rejected)
	}

	if len(events) > 0 {
		o.logger.Info(
			"inserted records",
			zap.String("metric", string(query.Metric)),
			zap.String("scope", query.Label),
			zap.Int("records", len(events)),
			zap.Int("new", result.Inserted),
			zap.Int("duplicates", result.Duplicates),
		)
	}
	if total := filtered.Rejected.Total(); total > 0 {
		fields := []zap.Field{
			zap.String("metric", string(query.Metric)),
			zap.String("scope", query.Label),
			zap.Int("skipped", total),
		}
		for _, reason := range filter.Reasons {
			fields = append(fields, zap.Int(string(reason), filtered.Rejected[reason]))
		}
		o.logger.Info("skipped records", fields...)
	}
	return nil
}

// ParseReprocessFrom parses an operator week override. Invalid values are logged and
// ignored so the run falls back to the next start rule.
func ParseReprocessFrom(raw string, logger *zap.Logger) time.Time {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(raw) == "" {
		return time.Time{}
	}
	week, err := window.ParseWeek(raw)
	if err != nil {
		logger.Warn("ignoring invalid reprocess_from_week", zap.String("value", raw), zap.Error(err))
		return time.Time{}
	}
	return week
}

// IsLockHeld reports whether err means another run owns the lock.
func IsLockHeld(err error) bool {
	return errors.Is(err, store.ErrLockHeld)
}
