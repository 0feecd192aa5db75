package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// meterHarness records into a manual reader so tests can inspect values.
type meterHarness struct {
	t      *testing.T
	reader *sdkmetric.ManualReader
	m      *Metrics
}

func newMeterHarness(t *testing.T) *meterHarness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return &meterHarness{t: t, reader: reader, m: m}
}

func (h *meterHarness) collect() metricdata.ResourceMetrics {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("Collect: %v", err)
	}
	return rm
}

// count sums the int64 data points of name whose attributes include every
// key/value pair in where. An instrument without measurements counts 0.
func (h *meterHarness) count(name string, where ...attribute.KeyValue) int64 {
	h.t.Helper()
	met := findMetric(h.collect(), name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		h.t.Fatalf("metric %q is %T, want int64 sum", name, met.Data)
	}
	var total int64
points:
	for _, dp := range sum.DataPoints {
		for _, kv := range where {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				continue points
			}
		}
		total += dp.Value
	}
	return total
}

// samples returns the total sample count of histogram name.
func (h *meterHarness) samples(name string) uint64 {
	h.t.Helper()
	met := findMetric(h.collect(), name)
	if met == nil {
		h.t.Fatalf("metric %q not recorded", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		h.t.Fatalf("metric %q is %T, want float64 histogram", name, met.Data)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

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

func TestRecordTTSAttempt(t *testing.T) {
	h := newMeterHarness(t)
	ctx := context.Background()

	h.m.RecordTTSAttempt(ctx, "cartesia", "quota_exceeded", 0.2)
	h.m.RecordTTSAttempt(ctx, "backend", "transient", 3)
	h.m.RecordTTSAttempt(ctx, "backend", "ok", 1.5)
	h.m.RecordTTSAttempt(ctx, "local", "ok", 0.7)

	str := attribute.String
	tests := []struct {
		metric string
		where  []attribute.KeyValue
		want   int64
	}{
		{"bridgespeak.tts.requests", nil, 4},
		{"bridgespeak.tts.requests", []attribute.KeyValue{str("status", "ok")}, 2},
		{"bridgespeak.tts.requests", []attribute.KeyValue{str("provider", "backend"), str("status", "error")}, 1},
		{"bridgespeak.tts.errors", nil, 2},
		{"bridgespeak.tts.errors", []attribute.KeyValue{str("provider", "cartesia"), str("kind", "quota_exceeded")}, 1},
		{"bridgespeak.tts.errors", []attribute.KeyValue{str("provider", "local")}, 0},
	}
	for _, tc := range tests {
		if got := h.count(tc.metric, tc.where...); got != tc.want {
			t.Errorf("%s%v = %d, want %d", tc.metric, tc.where, got, tc.want)
		}
	}
	if got := h.samples("bridgespeak.tts.duration"); got != 4 {
		t.Errorf("duration samples = %d, want 4", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	h := newMeterHarness(t)
	ctx := context.Background()

	for _, hit := range []bool{true, false, true, true} {
		h.m.RecordCacheLookup(ctx, hit)
	}

	if got := h.count("bridgespeak.cache.lookups", attribute.String("result", "hit")); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
	if got := h.count("bridgespeak.cache.lookups", attribute.String("result", "miss")); got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
}

func TestRecordTransition_ActiveSessions(t *testing.T) {
	tests := []struct {
		name   string
		path   []string
		active int64
	}{
		{"connect", []string{"idle", "connecting", "connected"}, 1},
		{"clean disconnect", []string{"idle", "connecting", "connected", "disconnecting", "idle"}, 0},
		{"lost then reconnected", []string{"idle", "connecting", "connected", "failed", "connecting", "connected"}, 1},
		{"rejected", []string{"idle", "connecting", "failed"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newMeterHarness(t)
			ctx := context.Background()
			for i := 1; i < len(tc.path); i++ {
				h.m.RecordTransition(ctx, tc.path[i-1], tc.path[i])
			}
			if got := h.count("bridgespeak.active_sessions"); got != tc.active {
				t.Errorf("active sessions = %d, want %d", got, tc.active)
			}
			if got := h.count("bridgespeak.session.transitions"); got != int64(len(tc.path)-1) {
				t.Errorf("transitions = %d, want %d", got, len(tc.path)-1)
			}
		})
	}
}

func TestRecordFaultAndRTVIEvent(t *testing.T) {
	h := newMeterHarness(t)
	ctx := context.Background()

	h.m.RecordFault(ctx, "transport_lost")
	h.m.RecordFault(ctx, "network_unreachable")
	for _, typ := range []string{"bot-llm-started", "bot-llm-text", "bot-llm-text", "bot-llm-stopped"} {
		h.m.RecordRTVIEvent(ctx, typ)
	}

	if got := h.count("bridgespeak.session.faults", attribute.String("kind", "transport_lost")); got != 1 {
		t.Errorf("transport_lost faults = %d, want 1", got)
	}
	if got := h.count("bridgespeak.rtvi.events", attribute.String("type", "bot-llm-text")); got != 2 {
		t.Errorf("bot-llm-text events = %d, want 2", got)
	}
	if got := h.count("bridgespeak.rtvi.events"); got != 4 {
		t.Errorf("rtvi events = %d, want 4", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	h := newMeterHarness(t)
	h.m.RecordHTTPRequest(context.Background(), "GET", "GET /readyz", 503, 0.05)

	if got := h.samples("bridgespeak.http.request.duration"); got != 1 {
		t.Errorf("samples = %d, want 1", got)
	}
}

// failingMeter rejects every counter.
type failingMeter struct{ noop.Meter }

func (failingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("counter rejected")
}

type failingProvider struct{ noop.MeterProvider }

func (failingProvider) Meter(string, ...metric.MeterOption) metric.Meter { return failingMeter{} }

func TestNewMetrics_JoinsErrors(t *testing.T) {
	t.Parallel()
	_, err := NewMetrics(failingProvider{})
	if err == nil {
		t.Fatal("NewMetrics succeeded with a failing meter")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 6 {
		t.Errorf("error = %v, want the six counter failures joined", err)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
