package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/oss-participation/internal/filter"
	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "participation"

// Metrics holds ingestion run counters on a private registry. It implements
// githubapi.Observer.
type Metrics struct {
	registry *prometheus.Registry

	pagesFetched     *prometheus.CounterVec
	retries          *prometheus.CounterVec
	rateLimitWaits   *prometheus.CounterVec
	rateLimitSeconds prometheus.Counter
	rejections       *prometheus.CounterVec
	eventsInserted   *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	weeksCommitted   prometheus.Counter
	watermark        prometheus.Gauge
	lastRunSuccess   prometheus.Gauge
}

// NewMetrics registers the run metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pages_fetched_total",
			Help:      "Search result pages fetched.",
		}, []string{"metric"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Page fetches retried after a transient failure.",
		}, []string{"metric"}),
		rateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_waits_total",
			Help:      "Waits caused by rate-limited responses.",
		}, []string{"metric"}),
		rateLimitSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Time spent waiting for rate limits to reset.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejections_total",
			Help:      "Search results rejected by the contribution filter.",
		}, []string{"metric", "reason"}),
		eventsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_inserted_total",
			Help:      "Contribution events newly stored.",
		}, []string{"metric"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_duplicate_total",
			Help:      "Contribution events already present in the store.",
		}, []string{"metric"}),
		weeksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "weeks_committed_total",
			Help:      "Weeks fully ingested and committed to the watermark.",
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Start of the last fully ingested week as a unix timestamp.",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_success",
			Help:      "1 when the last ingestion run finished without error.",
		}),
	}
	m.registry.MustRegister(
		m.pagesFetched,
		m.retries,
		m.rateLimitWaits,
		m.rateLimitSeconds,
		m.rejections,
		m.eventsInserted,
		m.duplicates,
		m.weeksCommitted,
		m.watermark,
		m.lastRunSuccess,
	)
	return m
}

// Registry returns the registry the run metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PageFetched implements githubapi.Observer.
func (m *Metrics) PageFetched(metric string) {
	m.pagesFetched.WithLabelValues(metric).Inc()
}

// Retried implements githubapi.Observer.
func (m *Metrics) Retried(metric string) {
	m.retries.WithLabelValues(metric).Inc()
}

// RateLimitWaited implements githubapi.Observer.
func (m *Metrics) RateLimitWaited(metric string, wait time.Duration) {
	m.rateLimitWaits.WithLabelValues(metric).Inc()
	m.rateLimitSeconds.Add(wait.Seconds())
}

func (m *Metrics) observeBatch(metric store.Metric, result store.InsertResult, rejected filter.Counts) {
	m.eventsInserted.WithLabelValues(string(metric)).Add(float64(result.Inserted))
	m.duplicates.WithLabelValues(string(metric)).Add(float64(result.Duplicates))
	for reason, count := range rejected {
		m.rejections.WithLabelValues(string(metric), string(reason)).Add(float64(count))
	}
}

func (m *Metrics) observeCommit(week time.Time) {
	m.weeksCommitted.Inc()
	m.watermark.Set(float64(week.Unix()))
}

func (m *Metrics) observeWatermark(week time.Time) {
	m.watermark.Set(float64(week.Unix()))
}

func (m *Metrics) observeRun(err error) {
	if err != nil {
		m.lastRunSuccess.Set(0)
		return
	}
	m.lastRunSuccess.Set(1)
}

// WriteTextfile writes the run metrics in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
