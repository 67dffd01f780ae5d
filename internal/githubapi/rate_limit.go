package githubapi

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimitHeaders contains parsed GitHub rate-limit response headers.
type RateLimitHeaders struct {
	Remaining        int
	HasRemaining     bool
	ResetUnix        int64
	Used             int
	RetryAfter       time.Duration
	SecondaryLimited bool
}

// Exhausted reports that the primary budget is spent.
func (h RateLimitHeaders) Exhausted() bool {
	return h.HasRemaining && h.Remaining <= 0
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy computes how long to pause after a rate-limited response.
type RateLimitPolicy struct {
	// ResetBuffer is added to a reset-derived wait.
	ResetBuffer time.Duration
	// FallbackBackoff is the first wait when no usable reset hint exists. It doubles per
	// consecutive rate-limit hit.
	FallbackBackoff time.Duration
	// MaxBackoff caps the fallback wait. Zero means uncapped.
	MaxBackoff time.Duration
	Now        func() time.Time
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{}
	if header == nil {
		header = http.Header{}
	}
	if raw := header.Get("X-RateLimit-Remaining"); raw != "" {
		if remaining, err := strconv.Atoi(raw); err == nil {
			parsed.Remaining = remaining
			parsed.HasRemaining = true
		}
	}
	parsed.Used = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix = parseInt64(header.Get("X-RateLimit-Reset"))

	retryAfterSeconds := parseInt(header.Get("Retry-After"))
	if retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}

	if statusCode == http.StatusTooManyRequests {
		parsed.SecondaryLimited = true
	}
	if statusCode == http.StatusForbidden && parsed.RetryAfter > 0 {
		parsed.SecondaryLimited = true
	}

	return parsed
}

// Evaluate returns the pause for the hits-th consecutive rate-limited response.
// A future reset waits until reset plus the buffer; a missing, elapsed, or malformed reset
// uses the fallback. The result is never shorter than the fallback.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders, hits int) Decision {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	fallback := p.fallback(hits)

	if headers.ResetUnix > 0 {
		resetAt := time.Unix(headers.ResetUnix, 0)
		if resetAt.After(now) {
			return Decision{
				Allow:   false,
				WaitFor: max(resetAt.Sub(now)+p.ResetBuffer, fallback),
				Reason:  "reset_header",
			}
		}
	}

	if headers.RetryAfter > 0 {
		return Decision{
			Allow:   false,
			WaitFor: max(headers.RetryAfter, fallback),
			Reason:  "retry_after",
		}
	}

	return Decision{
		Allow:   false,
		WaitFor: fallback,
		Reason:  "fallback_backoff",
	}
}

func (p RateLimitPolicy) fallback(hits int) time.Duration {
	if hits < 1 {
		hits = 1
	}
	backoff := p.FallbackBackoff
	for i := 1; i < hits; i++ {
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
