package ingest

import (
	"strings"
	"time"

	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/cam3ron2/oss-participation/internal/window"
)

// ScopeQuery is one search to run for a week.
type ScopeQuery struct {
	Metric    store.Metric
	WeekStart time.Time
	Query     string
	// Label names the scope in logs and rejection counts: the org name, or staff:<login>.
	Label string
}

type scope struct {
	qualifier string
	label     string
}

// BuildScopeQueries returns the searches for one week: every org scope, then every staff
// scope, each crossed with every metric in processing order.
func BuildScopeQueries(weekStart time.Time, orgs, staff []string) []ScopeQuery {
	scopes := make([]scope, 0, len(orgs)+len(staff))
	for _, org := range orgs {
		org = strings.TrimSpace(org)
		if org == "" {
			continue
		}
		scopes = append(scopes, scope{qualifier: "org:" + org, label: org})
	}
	for _, login := range staff {
		login = strings.TrimSpace(login)
		if login == "" {
			continue
		}
		scopes = append(scopes, scope{qualifier: "author:" + login, label: "staff:" + login})
	}

	bounds := window.RangeQuery(weekStart)
	queries := make([]ScopeQuery, 0, len(scopes)*len(store.Metrics))
	for _, s := range scopes {
		for _, metric := range store.Metrics {
			queries = append(queries, ScopeQuery{
				Metric:    metric,
				WeekStart: window.WeekStart(weekStart),
				Query:     s.qualifier + " is:public " + metricQualifier(metric) + bounds,
				Label:     s.label,
			})
		}
	}
	return queries
}

func metricQualifier(metric store.Metric) string {
	switch metric {
	case store.MetricPRMerged:
		return "is:pr merged:"
	case store.MetricIssueOpened:
		return "is:issue created:"
	default:
		return "is:pr created:"
	}
}
