package exporter

import (
	"net/http"
	"sort"

	"github.com/cam3ron2/oss-participation/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotReader reads metric snapshots.
type SnapshotReader interface {
	Snapshot() []store.MetricPoint
}

// NewOpenMetricsHandler renders snapshot gauges, plus any extra gatherers, through the
// Prometheus OpenMetrics encoder.
func NewOpenMetricsHandler(reader SnapshotReader, extra ...prometheus.Gatherer) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{reader: reader})

	gatherers := prometheus.Gatherers{registry}
	for _, gatherer := range extra {
		if gatherer != nil {
			gatherers = append(gatherers, gatherer)
		}
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type snapshotCollector struct {
	reader SnapshotReader
}

// Describe sends nothing, which makes the collector unchecked; snapshot series vary.
func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	for _, point := range c.reader.Snapshot() {
		if point.Name == "" {
			continue
		}

		labelKeys := make([]string, 0, len(point.Labels))
		for key := range point.Labels {
			labelKeys = append(labelKeys, key)
		}
		sort.Strings(labelKeys)

		labelValues := make([]string, 0, len(labelKeys))
		for _, key := range labelKeys {
			labelValues = append(labelValues, point.Labels[key])
		}

		help, ok := gaugeHelp[point.Name]
		if !ok {
			help = point.Name
		}
		desc := prometheus.NewDesc(point.Name, help, labelKeys, nil)
		metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, point.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- metric
	}
}
