// Package observe provides pipeline-wide observability for Bristlenose:
// OpenTelemetry metric instruments and the SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. The pipeline is
// a batch process rather than a long-lived service, so no scrape endpoint is
// exposed; [InitProvider] wires a ManualReader and the final metric state can
// be collected once at exit for the run summary. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Bristlenose metrics.
const meterName = "github.com/bristlenose/bristlenose"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks wall-clock time per pipeline stage. Use with
	// attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	// DecodeDuration tracks per-file FFmpeg audio extraction latency.
	DecodeDuration metric.Float64Histogram

	// TranscribeDuration tracks per-session Whisper transcription latency.
	TranscribeDuration metric.Float64Histogram

	// LLMDuration tracks per-call LLM latency. Use with attributes:
	//   attribute.String("vendor", ...), attribute.String("stage", ...)
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts LLM API calls. Use with attributes:
	//   attribute.String("vendor", ...), attribute.String("stage", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts LLM call failures after retries were exhausted.
	// Use with attributes: attribute.String("vendor", ...), attribute.String("stage", ...)
	ProviderErrors metric.Int64Counter

	// PromptTokens counts input tokens sent to providers. Use with
	// attribute.String("vendor", ...), attribute.String("model", ...).
	PromptTokens metric.Int64Counter

	// CompletionTokens counts output tokens received from providers. Same
	// attributes as PromptTokens.
	CompletionTokens metric.Int64Counter

	// SessionsProcessed counts sessions that completed a stage. Use with
	// attributes: attribute.String("stage", ...), attribute.String("status", ...)
	SessionsProcessed metric.Int64Counter

	// ActiveDecodes tracks in-flight FFmpeg processes.
	ActiveDecodes metric.Int64UpDownCounter

	// ActiveLLMCalls tracks in-flight LLM requests across all stages.
	ActiveLLMCalls metric.Int64UpDownCounter
}

// stageBuckets defines histogram bucket boundaries (in seconds). Stages span
// sub-second manifest checks up to hour-long transcription runs.
var stageBuckets = []float64{
	0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// llmBuckets covers typical single-call LLM latencies.
var llmBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("bristlenose.stage.duration",
		metric.WithDescription("Wall-clock duration per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("bristlenose.decode.duration",
		metric.WithDescription("Latency of FFmpeg audio extraction per media file."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("bristlenose.transcribe.duration",
		metric.WithDescription("Latency of Whisper transcription per session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("bristlenose.llm.duration",
		metric.WithDescription("Latency of LLM calls by vendor and stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(llmBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("bristlenose.provider.requests",
		metric.WithDescription("Total LLM API requests by vendor, stage, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("bristlenose.provider.errors",
		metric.WithDescription("Total LLM failures after retries, by vendor and stage."),
	); err != nil {
		return nil, err
	}
	if met.PromptTokens, err = m.Int64Counter("bristlenose.tokens.prompt",
		metric.WithDescription("Input tokens sent to providers by vendor and model."),
	); err != nil {
		return nil, err
	}
	if met.CompletionTokens, err = m.Int64Counter("bristlenose.tokens.completion",
		metric.WithDescription("Output tokens received from providers by vendor and model."),
	); err != nil {
		return nil, err
	}
	if met.SessionsProcessed, err = m.Int64Counter("bristlenose.sessions.processed",
		metric.WithDescription("Sessions completing a stage, by stage and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveDecodes, err = m.Int64UpDownCounter("bristlenose.active_decodes",
		metric.WithDescription("Number of in-flight FFmpeg processes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveLLMCalls, err = m.Int64UpDownCounter("bristlenose.active_llm_calls",
		metric.WithDescription("Number of in-flight LLM requests."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records a stage's wall-clock duration in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordProviderRequest records an LLM request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, vendor, stage, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("vendor", vendor),
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records an LLM failure counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, vendor, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("vendor", vendor),
			attribute.String("stage", stage),
		),
	)
}

// RecordTokens records prompt and completion token usage for one call.
func (m *Metrics) RecordTokens(ctx context.Context, vendor, model string, prompt, completion int64) {
	attrs := metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("model", model),
	)
	m.PromptTokens.Add(ctx, prompt, attrs)
	m.CompletionTokens.Add(ctx, completion, attrs)
}

// RecordSession records a session completing (or failing) a stage.
func (m *Metrics) RecordSession(ctx context.Context, stage, status string) {
	m.SessionsProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}
