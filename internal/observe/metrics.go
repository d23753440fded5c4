// Package observe provides application-wide observability primitives for the
// call bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/session"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/callbridge-ai/callbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ActiveCalls tracks the number of live call sessions. Use with
	// attribute: attribute.String("direction", ...).
	ActiveCalls metric.Int64UpDownCounter

	// CallsStarted counts bridged calls by direction.
	CallsStarted metric.Int64Counter

	// CallDuration tracks finalized call length in seconds by direction.
	CallDuration metric.Float64Histogram

	// AudioChunks counts relayed media chunks. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	AudioChunks metric.Int64Counter

	// BargeIns counts caller interruptions that truncated an in-flight
	// assistant response.
	BargeIns metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// Metrics doubles as the session runtime's instrumentation sink.
var _ session.Metrics = (*Metrics)(nil)

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole-call durations.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.calls.active",
		metric.WithDescription("Number of live call sessions by direction."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("callbridge.calls.started",
		metric.WithDescription("Total bridged calls by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("callbridge.audio.chunks",
		metric.WithDescription("Media chunks relayed between carrier and provider, by direction."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callbridge.barge_ins",
		metric.WithDescription("Caller interruptions that truncated an assistant response."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Finalized call duration by direction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

func directionAttr(direction call.Direction) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("direction", string(direction)))
}

// SessionStarted records one more live session in direction.
func (m *Metrics) SessionStarted(direction call.Direction) {
	ctx := context.Background()
	m.CallsStarted.Add(ctx, 1, directionAttr(direction))
	m.ActiveCalls.Add(ctx, 1, directionAttr(direction))
}

// SessionEnded records one fewer live session in direction.
func (m *Metrics) SessionEnded(direction call.Direction) {
	m.ActiveCalls.Add(context.Background(), -1, directionAttr(direction))
}

// CallFinalized records the wall-clock length of a finished call.
func (m *Metrics) CallFinalized(direction call.Direction, duration time.Duration) {
	m.CallDuration.Record(context.Background(), duration.Seconds(), directionAttr(direction))
}

// AudioChunk counts one relayed media chunk. direction is "inbound" (caller
// to provider) or "outbound" (provider to caller).
func (m *Metrics) AudioChunk(direction string) {
	m.AudioChunks.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// BargeIn counts one truncating interruption.
func (m *Metrics) BargeIn() {
	m.BargeIns.Add(context.Background(), 1)
}
