package githubapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/oss-participation/internal/telemetry"
	"github.com/shurcooL/githubv4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// DefaultGraphQLURL is the public GitHub GraphQL endpoint.
const DefaultGraphQLURL = "https://api.github.com/graphql"

// SearcherConfig configures a GraphQLSearcher.
type SearcherConfig struct {
	Endpoint   string
	HTTPClient *http.Client
	// MinRequestInterval spaces consecutive requests. Zero disables pacing.
	MinRequestInterval time.Duration
}

// GraphQLSearcher fetches issue and pull request search pages over GitHub GraphQL.
type GraphQLSearcher struct {
	client   *githubv4.Client
	recorder *responseRecorder
	limiter  *rate.Limiter
}

type contributionFields struct {
	Author *struct {
		Login githubv4.String
	}
	Repository *struct {
		NameWithOwner githubv4.String
		IsPrivate     githubv4.Boolean
		LicenseInfo   *struct {
			SpdxID githubv4.String `graphql:"spdxId"`
		}
	}
}

type searchQuery struct {
	Search struct {
		PageInfo struct {
			HasNextPage githubv4.Boolean
			EndCursor   githubv4.String
		}
		Nodes []struct {
			PullRequest contributionFields `graphql:"... on PullRequest"`
			Issue       contributionFields `graphql:"... on Issue"`
		}
	} `graphql:"search(query: $query, type: ISSUE, first: $first, after: $cursor)"`
}

// NewGraphQLSearcher creates a searcher. The HTTP client should already carry credentials.
func NewGraphQLSearcher(cfg SearcherConfig) *GraphQLSearcher {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultGraphQLURL
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	baseTransport := base.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	recorder := &responseRecorder{base: baseTransport}
	httpClient := &http.Client{
		Transport:     recorder,
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}

	var limiter *rate.Limiter
	if cfg.MinRequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1)
	}

	return &GraphQLSearcher{
		client:   githubv4.NewEnterpriseClient(endpoint, httpClient),
		recorder: recorder,
		limiter:  limiter,
	}
}

// FetchPage implements PageFetcher.
func (s *GraphQLSearcher) FetchPage(ctx context.Context, query PageQuery) (Page, Outcome) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Page{}, Outcome{Kind: OutcomeFatal, Cause: err}
		}
	}

	ctx, span := telemetry.StartDependency(ctx, "githubapi", "githubapi.search.page",
		attribute.String("github.search.query", query.Query),
		attribute.Bool("github.search.has_cursor", query.Cursor != ""),
	)

	first := query.First
	if first <= 0 || first > DefaultPageSize {
		first = DefaultPageSize
	}
	var cursor *githubv4.String
	if query.Cursor != "" {
		cursor = githubv4.NewString(githubv4.String(query.Cursor))
	}

	s.recorder.reset()
	var result searchQuery
	err := s.client.Query(ctx, &result, map[string]any{
		"query":  githubv4.String(query.Query),
		"first":  githubv4.Int(first),
		"cursor": cursor,
	})
	outcome := Classify(err, s.recorder.last())

	span.SetAttributes(
		attribute.String("github.outcome", outcome.Kind.String()),
		attribute.Int("http.status_code", outcome.StatusCode),
		attribute.Int("github.rate_limit_remaining", outcome.Headers.Remaining),
	)
	telemetry.Finish(span, err, "page fetched")

	if outcome.Kind != OutcomeSuccess {
		return Page{}, outcome
	}
	return toPage(result), outcome
}

func toPage(result searchQuery) Page {
	page := Page{
		HasNextPage: bool(result.Search.PageInfo.HasNextPage),
		EndCursor:   string(result.Search.PageInfo.EndCursor),
		Nodes:       make([]SearchNode, 0, len(result.Search.Nodes)),
	}
	for _, raw := range result.Search.Nodes {
		fields := raw.PullRequest
		if fields.Repository == nil && fields.Author == nil {
			fields = raw.Issue
		}
		page.Nodes = append(page.Nodes, fields.toNode())
	}
	return page
}

func (f contributionFields) toNode() SearchNode {
	node := SearchNode{}
	if f.Author != nil {
		node.Author = &Actor{Login: string(f.Author.Login)}
	}
	if f.Repository != nil {
		repo := &Repository{
			NameWithOwner: string(f.Repository.NameWithOwner),
			IsPrivate:     bool(f.Repository.IsPrivate),
		}
		if f.Repository.LicenseInfo != nil {
			repo.License = &License{SPDXID: string(f.Repository.LicenseInfo.SpdxID)}
		}
		node.Repository = repo
	}
	return node
}

// responseRecorder remembers the status and headers of the most recent response so
// failures surfaced by the GraphQL client can still be classified.
type responseRecorder struct {
	base http.RoundTripper

	mu   sync.Mutex
	info ResponseInfo
}

func (r *responseRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if resp != nil {
		r.mu.Lock()
		r.info = ResponseInfo{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
		r.mu.Unlock()
	}
	return resp, err
}

func (r *responseRecorder) reset() {
	r.mu.Lock()
	r.info = ResponseInfo{}
	r.mu.Unlock()
}

func (r *responseRecorder) last() ResponseInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}
