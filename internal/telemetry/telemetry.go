// Package telemetry configures tracing for ingestion runs and the read-only HTTP surface.
//
// Trace modes:
//   - off: nothing is recorded.
//   - sampled: HTTP spans are ratio sampled; per-week and per-search spans are skipped.
//   - errors: every span is recorded, but only spans that end with an error status reach the exporter.
//   - detailed: every span, including per-week and per-search spans, is recorded and exported.
package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName names the service in exported spans when none is configured.
const DefaultServiceName = "oss-participation"

const (
	traceModeOff      = "off"
	traceModeErrors   = "errors"
	traceModeSampled  = "sampled"
	traceModeDetailed = "detailed"
)

var activeTraceMode atomic.Value

// Config configures tracing.
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	TraceMode        string
	TraceSampleRatio float64
	// Exporter receives finished spans. Nil keeps spans in-process only.
	Exporter sdktrace.SpanExporter
}

// Runtime holds the installed tracer provider.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs a global tracer provider for the configured mode and returns it.
func Setup(cfg Config) (Runtime, error) {
	mode := normalizeTraceMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = traceModeOff
	}
	activeTraceMode.Store(mode)

	serviceResource, err := resource.Merge(resource.Default(), resource.NewSchemaless(serviceAttributes(cfg)...))
	if err != nil {
		return Runtime{}, err
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(serviceResource),
	}
	if cfg.Exporter != nil && mode != traceModeOff {
		var processor sdktrace.SpanProcessor = sdktrace.NewBatchSpanProcessor(cfg.Exporter)
		if mode == traceModeErrors {
			processor = errorSpanProcessor{next: processor}
		}
		options = append(options, sdktrace.WithSpanProcessor(processor))
	}

	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)
	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

func serviceAttributes(cfg Config) []attribute.KeyValue {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	attributes := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attributes = append(attributes, semconv.ServiceVersionKey.String(version))
	}
	return attributes
}

func samplerForMode(mode string, ratio float64) sdktrace.Sampler {
	switch normalizeTraceMode(mode) {
	case traceModeOff:
		return sdktrace.NeverSample()
	case traceModeDetailed, traceModeErrors:
		// In errors mode a span's outcome is only known when it ends, so everything is
		// recorded and errorSpanProcessor drops the successes.
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(ratio)))
	}
}

// TraceMode reports the active trace mode. Before Setup it is off.
func TraceMode() string {
	mode, _ := activeTraceMode.Load().(string)
	if mode == "" {
		return traceModeOff
	}
	return mode
}

// ShouldTraceDependencies reports whether per-week and per-search spans are emitted.
func ShouldTraceDependencies() bool {
	switch TraceMode() {
	case traceModeDetailed, traceModeErrors:
		return true
	default:
		return false
	}
}

func normalizeTraceMode(mode string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(mode)); normalized {
	case traceModeOff, traceModeErrors, traceModeDetailed:
		return normalized
	default:
		return traceModeSampled
	}
}

func clampRatio(ratio float64) float64 {
	return min(max(ratio, 0), 1)
}

// errorSpanProcessor forwards only spans that ended with an error status.
type errorSpanProcessor struct {
	next sdktrace.SpanProcessor
}

func (p errorSpanProcessor) OnStart(parent context.Context, span sdktrace.ReadWriteSpan) {
	p.next.OnStart(parent, span)
}

func (p errorSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if span.Status().Code == codes.Error {
		p.next.OnEnd(span)
	}
}

func (p errorSpanProcessor) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

func (p errorSpanProcessor) ForceFlush(ctx context.Context) error {
	return p.next.ForceFlush(ctx)
}
