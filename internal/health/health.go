package health

import (
	"context"
	"net/http"
	"time"

	"github.com/cam3ron2/oss-participation/internal/window"
	json "github.com/goccy/go-json"
)

// DefaultStaleAfterWeeks is how many elapsed weeks may be missing before ingestion is
// reported as lagging.
const DefaultStaleAfterWeeks = 2

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates the store is reachable and ingestion is current.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the store is reachable but ingestion is behind or has never run.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates the store cannot be read.
	ModeUnhealthy Mode = "unhealthy"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	Now          time.Time
	StoreHealthy bool
	// Watermark is the last fully ingested week. Zero means ingestion has never committed.
	Watermark       time.Time
	StaleAfterWeeks int
}

// Status represents evaluated application health.
type Status struct {
	Mode            Mode            `json:"mode"`
	Ready           bool            `json:"ready"`
	Components      map[string]bool `json:"components"`
	Watermark       string          `json:"processed_through_week,omitempty"`
	WeeksBehind     int             `json:"weeks_behind"`
	LastElapsedWeek string          `json:"last_elapsed_week"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates readiness and ingestion lag.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state. Readiness only needs the
// store; lagging ingestion degrades the mode without failing readiness.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	staleAfter := input.StaleAfterWeeks
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfterWeeks
	}
	last := window.LastElapsedWeek(input.Now)

	weeksBehind := 0
	if !input.Watermark.IsZero() && input.Watermark.Before(last) {
		weeksBehind = int(last.Sub(window.WeekStart(input.Watermark)).Hours() / (24 * 7))
	}
	current := !input.Watermark.IsZero() && weeksBehind < staleAfter

	status := Status{
		Ready: input.StoreHealthy,
		Components: map[string]bool{
			"store":             input.StoreHealthy,
			"ingestion_current": current,
		},
		WeeksBehind:     weeksBehind,
		LastElapsedWeek: window.FormatWeek(last),
	}
	if !input.Watermark.IsZero() {
		status.Watermark = window.FormatWeek(input.Watermark)
	}

	switch {
	case !input.StoreHealthy:
		status.Mode = ModeUnhealthy
	case !current:
		status.Mode = ModeDegraded
	default:
		status.Mode = ModeHealthy
	}
	return status
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
