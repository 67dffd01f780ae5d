package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRetriesExhausted reports that transient failures outlasted the retry budget.
	ErrRetriesExhausted = errors.New("github retries exhausted")
	// ErrFatal reports a failure that retrying cannot fix, such as bad credentials.
	ErrFatal = errors.New("github request failed permanently")
)

// OutcomeKind tags the result of one page fetch.
type OutcomeKind int

const (
	// OutcomeSuccess means the page was returned.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRateLimited means the request was throttled and should be repeated after a wait.
	OutcomeRateLimited
	// OutcomeTransient means the request failed and may succeed on retry.
	OutcomeTransient
	// OutcomeFatal means the request cannot succeed.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the classified result of one page fetch.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Headers    RateLimitHeaders
	Cause      error
}

// ResponseInfo is the transport-level view of the last response.
type ResponseInfo struct {
	StatusCode int
	Header     http.Header
}

// Success returns a successful outcome carrying the response's rate headers.
func Success(info ResponseInfo) Outcome {
	return Outcome{
		Kind:       OutcomeSuccess,
		StatusCode: info.StatusCode,
		Headers:    ParseRateLimitHeaders(info.Header, info.StatusCode),
	}
}

// Classify maps a fetch error and the last response into an Outcome.
func Classify(err error, info ResponseInfo) Outcome {
	if err == nil {
		return Success(info)
	}

	headers := ParseRateLimitHeaders(info.Header, info.StatusCode)
	outcome := Outcome{
		StatusCode: info.StatusCode,
		Headers:    headers,
		Cause:      err,
	}
	message := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.Canceled):
		outcome.Kind = OutcomeFatal
	case isRateLimited(info.StatusCode, headers, message):
		outcome.Kind = OutcomeRateLimited
	case info.StatusCode == http.StatusUnauthorized || strings.Contains(message, "bad credentials"):
		outcome.Kind = OutcomeFatal
	default:
		// Everything else, including 4xx responses without a limit signal, gets the
		// linear-backoff retry budget.
		outcome.Kind = OutcomeTransient
	}
	return outcome
}

func isRateLimited(statusCode int, headers RateLimitHeaders, message string) bool {
	if statusCode == http.StatusTooManyRequests || headers.SecondaryLimited {
		return true
	}
	if statusCode == http.StatusForbidden && headers.Exhausted() {
		return true
	}
	if strings.Contains(message, "rate limit") || strings.Contains(message, "rate_limited") {
		return true
	}
	return strings.Contains(message, "abuse detection")
}
