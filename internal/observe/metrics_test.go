package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
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

// sumValue returns the value of the data point carrying key=value.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBlockDuration(ctx, 2*time.Millisecond)
	m.RecordBlockDuration(ctx, 3*time.Millisecond)
	m.RecordConversion(ctx, "ok", 4*time.Second)
	m.RecordConversion(ctx, "ok", 6*time.Second)

	rm := collect(t, reader)

	for _, name := range []string{"retune.block.duration", "retune.conversion.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, "ok")
	m.RecordSessionStart(ctx, "ok")
	m.RecordSessionStart(ctx, "stream_open")
	m.RecordProcessingError(ctx, "wsola")
	m.RecordStreamStatus(ctx, "output_underflow")
	m.RecordDroppedEvents(ctx, 3)
	m.RecordStageFallback(ctx, "rubberband")
	m.RecordConversion(ctx, "skipped", 0)

	rm := collect(t, reader)

	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"retune.session.starts", "result", "ok", 2},
		{"retune.session.starts", "result", "stream_open", 1},
		{"retune.processing.errors", "shifter", "wsola", 1},
		{"retune.stream.status", "status", "output_underflow", 1},
		{"retune.events.dropped", "", "", 3},
		{"retune.conversion.fallbacks", "stage", "rubberband", 1},
		{"retune.conversions", "status", "skipped", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStateTransitions_TrackActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStateTransition(ctx, "stopped", "starting")
	m.RecordStateTransition(ctx, "starting", "running")
	m.RecordStateTransition(ctx, "running", "stopping")
	m.RecordStateTransition(ctx, "stopping", "stopped")
	m.RecordStateTransition(ctx, "stopped", "starting")
	m.RecordStateTransition(ctx, "starting", "running")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "retune.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got := sumValue(t, rm, "retune.session.transitions", "to", "running"); got != 2 {
		t.Errorf("transitions to running = %d, want 2", got)
	}
}

func TestBlockDuration_Buckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// 1024 frames at 48 kHz leaves a 21.3 ms budget; an overrun must land
	// above the 20 ms bound.
	m.RecordBlockDuration(ctx, 300*time.Microsecond)
	m.RecordBlockDuration(ctx, 25*time.Millisecond)

	met := findMetric(collect(t, reader), "retune.block.duration")
	if met == nil {
		t.Fatal("block duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	dp := hist.DataPoints[0]
	if len(dp.Bounds) != len(blockBuckets) {
		t.Fatalf("bounds = %v, want %v", dp.Bounds, blockBuckets)
	}
	// Bucket i counts values in (Bounds[i-1], Bounds[i]].
	if dp.BucketCounts[0] != 1 {
		t.Errorf("first bucket = %d, want 1", dp.BucketCounts[0])
	}
	if dp.BucketCounts[6] != 1 {
		t.Errorf("(20ms, 50ms] bucket = %d, want 1", dp.BucketCounts[6])
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics is not a singleton")
	}
}
