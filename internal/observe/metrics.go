// Package observe provides application-wide observability primitives for
// Glassline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Glassline metrics.
const meterName = "github.com/MrWong99/glassline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Ingress ---

	// ReorderPackets counts sequenced packets by outcome. Use with attribute:
	//   attribute.String("outcome", "in_order"|"reordered"|"dropped"|"skipped")
	ReorderPackets metric.Int64Counter

	// DecodeFailures counts compressed chunks that failed to decode. Use with
	// attribute: attribute.String("format", ...)
	DecodeFailures metric.Int64Counter

	// PCMBytes counts normalised PCM bytes distributed by the audio hub.
	PCMBytes metric.Int64Counter

	// SubscriberDrops counts PCM chunks dropped because a raw subscriber was
	// not keeping up.
	SubscriberDrops metric.Int64Counter

	// MediaReconnects counts gap-triggered media reconnect attempts. Use with
	// attribute: attribute.String("status", "ok"|"error"|"aborted")
	MediaReconnects metric.Int64Counter

	// --- Transcription ---

	// StreamStarts counts provider stream start attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	StreamStarts metric.Int64Counter

	// StreamWritesDropped counts audio writes rejected because the stream was
	// not writable.
	StreamWritesDropped metric.Int64Counter

	// StreamWriteFailures counts engine write errors. Use with attribute:
	//   attribute.String("provider", ...)
	StreamWriteFailures metric.Int64Counter

	// TranscriptionEvents counts transcription events delivered. Use with
	// attribute: attribute.Bool("final", ...)
	TranscriptionEvents metric.Int64Counter

	// EngineLatency tracks the smoothed gap between audio sent and audio
	// processed by the engine.
	EngineLatency metric.Float64Histogram

	// StreamRestarts counts health-triggered stream restarts.
	StreamRestarts metric.Int64Counter

	// EngineBreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("engine", ...), attribute.String("state", ...)
	EngineBreakerTransitions metric.Int64Counter

	// --- Sinks ---

	// SinkErrors counts failed deliveries to external sinks. Use with
	// attribute: attribute.String("sink", ...)
	SinkErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live user sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of running provider streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// streaming recognition latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Ingress counters.
	if met.ReorderPackets, err = m.Int64Counter("glassline.reorder.packets",
		metric.WithDescription("Sequenced packets handled by the reorder buffer, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("glassline.audio.decode_failures",
		metric.WithDescription("Compressed audio chunks that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.PCMBytes, err = m.Int64Counter("glassline.audio.pcm_bytes",
		metric.WithDescription("Normalised PCM bytes distributed to consumers."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SubscriberDrops, err = m.Int64Counter("glassline.audio.subscriber_drops",
		metric.WithDescription("PCM chunks dropped for slow raw-audio subscribers."),
	); err != nil {
		return nil, err
	}
	if met.MediaReconnects, err = m.Int64Counter("glassline.audio.media_reconnects",
		metric.WithDescription("Gap-triggered media reconnect attempts by status."),
	); err != nil {
		return nil, err
	}

	// Transcription.
	if met.StreamStarts, err = m.Int64Counter("glassline.stream.starts",
		metric.WithDescription("Provider stream start attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamWritesDropped, err = m.Int64Counter("glassline.stream.writes_dropped",
		metric.WithDescription("Audio writes dropped because the stream was not writable."),
	); err != nil {
		return nil, err
	}
	if met.StreamWriteFailures, err = m.Int64Counter("glassline.stream.write_failures",
		metric.WithDescription("Audio writes rejected by the engine."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionEvents, err = m.Int64Counter("glassline.transcription.events",
		metric.WithDescription("Transcription events delivered, by finality."),
	); err != nil {
		return nil, err
	}
	if met.EngineLatency, err = m.Float64Histogram("glassline.stream.engine_latency",
		metric.WithDescription("Smoothed engine processing lag behind sent audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamRestarts, err = m.Int64Counter("glassline.stream.restarts",
		metric.WithDescription("Streams restarted by the health check."),
	); err != nil {
		return nil, err
	}
	if met.EngineBreakerTransitions, err = m.Int64Counter("glassline.engine.breaker_transitions",
		metric.WithDescription("Engine circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	if met.SinkErrors, err = m.Int64Counter("glassline.sink.errors",
		metric.WithDescription("Failed deliveries to external transcript sinks."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("glassline.active_sessions",
		metric.WithDescription("Number of live user sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("glassline.active_streams",
		metric.WithDescription("Number of running provider streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("glassline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// pointer. Panics if instrument creation fails.
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

// RecordReorder adds n packets with the given outcome to the reorder counter.
// Zero counts are skipped.
func (m *Metrics) RecordReorder(ctx context.Context, outcome string, n uint64) {
	if n == 0 {
		return
	}
	m.ReorderPackets.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordStreamStart records a provider stream start attempt.
func (m *Metrics) RecordStreamStart(ctx context.Context, provider, status string) {
	m.StreamStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTranscription records one delivered transcription event.
func (m *Metrics) RecordTranscription(ctx context.Context, key string, final bool) {
	m.TranscriptionEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("key", key),
			attribute.Bool("final", final),
		),
	)
}

// RecordMediaReconnect records the outcome of a gap-triggered reconnect.
func (m *Metrics) RecordMediaReconnect(ctx context.Context, status string) {
	m.MediaReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSinkError records a failed sink delivery.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sink", sink)),
	)
}
