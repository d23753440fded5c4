package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/callbridge-ai/callbridge/internal/call"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestActiveCallsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.SessionStarted(call.DirectionInbound)
	m.SessionStarted(call.DirectionInbound)
	m.SessionStarted(call.DirectionOutbound)
	m.SessionEnded(call.DirectionInbound)

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.calls.active")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) != "direction" {
				continue
			}
			switch kv.Value.AsString() {
			case "inbound":
				if dp.Value != 1 {
					t.Errorf("inbound gauge = %d, want 1", dp.Value)
				}
			case "outbound":
				if dp.Value != 1 {
					t.Errorf("outbound gauge = %d, want 1", dp.Value)
				}
			}
		}
	}
}

func TestCallsStartedCounter(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.SessionStarted(call.DirectionInbound)
	m.SessionStarted(call.DirectionInbound)
	m.SessionEnded(call.DirectionInbound)

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.calls.started")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	// SessionEnded must not decrement the started counter.
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("counter value = %d, want 2", got)
	}
}

func TestCallDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.CallFinalized(call.DirectionOutbound, 42*time.Second)
	m.CallFinalized(call.DirectionOutbound, 90*time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.call.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("sample count = %d, want 2", dp.Count)
	}
	if dp.Sum != 132 {
		t.Errorf("sum = %v, want 132", dp.Sum)
	}
}

func TestAudioChunkCounter(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.AudioChunk("inbound")
	m.AudioChunk("inbound")
	m.AudioChunk("outbound")

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.audio.chunks")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "direction" && kv.Value.AsString() == "inbound" {
				if dp.Value != 2 {
					t.Errorf("inbound chunks = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with direction=inbound not found")
}

func TestBargeInCounter(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.BargeIn()
	m.BargeIn()

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.barge_ins")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("counter value = %d, want 2", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05)

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
