// Package filter decides which search results count as open-source contribution events.
package filter

import (
	"sort"
	"strings"

	"github.com/cam3ron2/oss-participation/internal/githubapi"
)

// Reason names why a search result was rejected.
type Reason string

const (
	MissingRepository Reason = "missing_repository"
	PrivateRepository Reason = "private_repository"
	MissingLicense    Reason = "missing_license"
	MissingAuthor     Reason = "missing_author"
	DisallowedLicense Reason = "disallowed_license"
)

// Reasons lists every rejection reason in evaluation order.
var Reasons = []Reason{
	MissingRepository,
	PrivateRepository,
	MissingLicense,
	MissingAuthor,
	DisallowedLicense,
}

// Candidate is an admissible contribution event before it is assigned a week.
type Candidate struct {
	Author     string
	Repository string
	License    string
}

// Allowlist is the set of accepted SPDX license identifiers. Matching is exact.
type Allowlist struct {
	ids map[string]struct{}
}

// NewAllowlist builds an allowlist from SPDX identifiers.
func NewAllowlist(ids []string) Allowlist {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return Allowlist{ids: set}
}

// Allows reports whether id is accepted.
func (a Allowlist) Allows(id string) bool {
	_, ok := a.ids[id]
	return ok
}

// Len returns the number of accepted identifiers.
func (a Allowlist) Len() int {
	return len(a.ids)
}

// Check applies the admissibility rules to one node. The first failing rule wins.
func Check(node githubapi.SearchNode, allow Allowlist) (Candidate, Reason, bool) {
	repo := node.Repository
	if repo == nil {
		return Candidate{}, MissingRepository, false
	}
	if repo.IsPrivate {
		return Candidate{}, PrivateRepository, false
	}
	if repo.License == nil {
		return Candidate{}, MissingLicense, false
	}
	if node.Author == nil || node.Author.Login == "" {
		return Candidate{}, MissingAuthor, false
	}
	// NOASSERTION and OTHER are ordinary identifiers here and fail unless listed.
	if !allow.Allows(repo.License.SPDXID) {
		return Candidate{}, DisallowedLicense, false
	}
	return Candidate{
		Author:     node.Author.Login,
		Repository: repo.NameWithOwner,
		License:    repo.License.SPDXID,
	}, "", true
}

// Counts tallies rejections by reason.
type Counts map[Reason]int

// Total returns the number of rejected nodes.
func (c Counts) Total() int {
	total := 0
	for _, count := range c {
		total += count
	}
	return total
}

// Result is the outcome of filtering one search.
type Result struct {
	Candidates []Candidate
	Rejected   Counts
}

// Apply filters nodes in order. Repeated (author, repository) pairs are passed through;
// the store's unique key absorbs them on insert. A rejected node never affects the others.
func Apply(nodes []githubapi.SearchNode, allow Allowlist) Result {
	result := Result{Rejected: Counts{}}
	for _, node := range nodes {
		candidate, reason, ok := Check(node, allow)
		if !ok {
			result.Rejected[reason]++
			continue
		}
		result.Candidates = append(result.Candidates, candidate)
	}
	return result
}

// Key identifies one metric and scope pair.
type Key struct {
	Metric string
	Scope  string
}

// Tally accumulates rejection counts per metric and scope across a run.
type Tally map[Key]Counts

// Add merges counts into the entry for key.
func (t Tally) Add(key Key, counts Counts) {
	if len(counts) == 0 {
		return
	}
	entry, ok := t[key]
	if !ok {
		entry = Counts{}
		t[key] = entry
	}
	for reason, count := range counts {
		entry[reason] += count
	}
}

// ByReason sums the tally over every metric and scope.
func (t Tally) ByReason() Counts {
	out := Counts{}
	for _, counts := range t {
		for reason, count := range counts {
			out[reason] += count
		}
	}
	return out
}

// Keys returns the tally keys sorted by metric, then scope.
func (t Tally) Keys() []Key {
	keys := make([]Key, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Metric != keys[j].Metric {
			return keys[i].Metric < keys[j].Metric
		}
		return keys[i].Scope < keys[j].Scope
	})
	return keys
}
