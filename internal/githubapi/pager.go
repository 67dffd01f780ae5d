package githubapi

import (
	"context"
	"fmt"
	"time"

	"github.com/cam3ron2/oss-participation/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultPageSize is the largest page the search API returns.
const DefaultPageSize = 100

// RetryConfig configures transient failure retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// PageRequest identifies one paged search.
type PageRequest struct {
	Query string
	// Metric and Label annotate logs and metrics only.
	Metric string
	Label  string
}

// PageQuery is a single page request handed to a PageFetcher.
type PageQuery struct {
	Query  string
	Cursor string
	First  int
}

// Page is one page of search results.
type Page struct {
	Nodes       []SearchNode
	HasNextPage bool
	EndCursor   string
}

// SearchNode is an issue or pull request returned by search. Nil pointers mean the
// field was null.
type SearchNode struct {
	Author     *Actor
	Repository *Repository
}

// Actor is the author of an issue or pull request.
type Actor struct {
	Login string
}

// Repository is the repository an issue or pull request belongs to.
type Repository struct {
	NameWithOwner string
	IsPrivate     bool
	License       *License
}

// License is a repository's detected license.
type License struct {
	SPDXID string
}

// PageFetcher fetches one page and classifies the result.
type PageFetcher interface {
	FetchPage(ctx context.Context, query PageQuery) (Page, Outcome)
}

// Observer receives pager counters.
type Observer interface {
	PageFetched(metric string)
	Retried(metric string)
	RateLimitWaited(metric string, wait time.Duration)
}

type nopObserver struct{}

func (nopObserver) PageFetched(string)                    {}
func (nopObserver) Retried(string)                        {}
func (nopObserver) RateLimitWaited(string, time.Duration) {}

// Pager walks every page of a search with retry and rate-limit handling.
type Pager struct {
	fetcher  PageFetcher
	retry    RetryConfig
	policy   RateLimitPolicy
	logger   *zap.Logger
	PageSize int
	Observer Observer
	// Sleep is injected for testability. It must return ctx.Err() when ctx ends first.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPager creates a pager over fetcher.
func NewPager(fetcher PageFetcher, retry RetryConfig, policy RateLimitPolicy, logger ...*zap.Logger) *Pager {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Pager{
		fetcher:  fetcher,
		retry:    retry,
		policy:   policy,
		logger:   baseLogger,
		PageSize: DefaultPageSize,
		Observer: nopObserver{},
		Sleep:    SleepContext,
	}
}

// FetchAll returns every node across all pages of req.
func (p *Pager) FetchAll(ctx context.Context, req PageRequest) (nodes []SearchNode, err error) {
	ctx, span := telemetry.StartDependency(ctx, "githubapi", "githubapi.pager.fetch_all",
		attribute.String("participation.metric", req.Metric),
		attribute.String("participation.scope", req.Label),
	)
	defer func() { telemetry.Finish(span, err, "search completed") }()

	cursor := ""
	for pageNumber := 1; ; pageNumber++ {
		page, fetchErr := p.fetchPage(ctx, req, cursor, pageNumber)
		if fetchErr != nil {
			return nil, fetchErr
		}
		nodes = append(nodes, page.Nodes...)

		if !page.HasNextPage || page.EndCursor == "" {
			span.SetAttributes(
				attribute.Int("participation.pages", pageNumber),
				attribute.Int("participation.nodes", len(nodes)),
			)
			return nodes, nil
		}
		cursor = page.EndCursor
	}
}

// fetchPage nests two loops: rate-limited responses wait and repeat without spending an
// attempt, transient failures spend one attempt each.
func (p *Pager) fetchPage(ctx context.Context, req PageRequest, cursor string, pageNumber int) (Page, error) {
	pageSize := p.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	observer := p.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	attempt := 1
	rateLimitHits := 0
	for {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}

		page, outcome := p.fetcher.FetchPage(ctx, PageQuery{Query: req.Query, Cursor: cursor, First: pageSize})
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}

		switch outcome.Kind {
		case OutcomeSuccess:
			observer.PageFetched(req.Metric)
			return page, nil

		case OutcomeRateLimited:
			rateLimitHits++
			decision := p.policy.Evaluate(outcome.Headers, rateLimitHits)
			p.logger.Info(
				"github rate limit hit; waiting before retry",
				zap.String("scope", req.Label),
				zap.String("metric", req.Metric),
				zap.Int("page", pageNumber),
				zap.Int("attempt", attempt),
				zap.Int("rate_limit_hits", rateLimitHits),
				zap.Duration("wait", decision.WaitFor),
				zap.String("reason", decision.Reason),
			)
			observer.RateLimitWaited(req.Metric, decision.WaitFor)
			if err := sleep(ctx, decision.WaitFor); err != nil {
				return Page{}, err
			}

		case OutcomeFatal:
			p.logger.Error(
				"github search failed permanently",
				zap.String("scope", req.Label),
				zap.String("metric", req.Metric),
				zap.Int("page", pageNumber),
				zap.Int("status", outcome.StatusCode),
				zap.Error(outcome.Cause),
			)
			return Page{}, fmt.Errorf("%s %s page %d: %w: %w", req.Metric, req.Label, pageNumber, ErrFatal, outcome.Cause)

		default:
			if attempt >= p.retry.MaxAttempts {
				p.logger.Error(
					"github search retries exhausted",
					zap.String("scope", req.Label),
					zap.String("metric", req.Metric),
					zap.Int("page", pageNumber),
					zap.Int("attempt", attempt),
					zap.Error(outcome.Cause),
				)
				return Page{}, fmt.Errorf(
					"%s %s page %d after %d attempts: %w: %w",
					req.Metric, req.Label, pageNumber, attempt, ErrRetriesExhausted, outcome.Cause,
				)
			}

			wait := p.retry.InitialBackoff * time.Duration(attempt)
			p.logger.Warn(
				"github search failed; retrying",
				zap.String("scope", req.Label),
				zap.String("metric", req.Metric),
				zap.Int("page", pageNumber),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.retry.MaxAttempts),
				zap.Int("status", outcome.StatusCode),
				zap.Duration("wait", wait),
				zap.String("reason", outcome.Kind.String()),
				zap.Error(outcome.Cause),
			)
			observer.Retried(req.Metric)
			if err := sleep(ctx, wait); err != nil {
				return Page{}, err
			}
			attempt++
		}
	}
}

// SleepContext pauses for d or until ctx ends.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
