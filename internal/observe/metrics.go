// Package observe holds the BridgeSpeak observability primitives: OTel
// metric instruments, tracing helpers, trace-aware logging and the bridge
// HTTP middleware.
//
// Instruments are recorded through the OTel API. [InitProvider] bridges them
// to Prometheus for the /metrics endpoint. [DefaultMetrics] is bound to the
// global meter provider; tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all BridgeSpeak metrics.
const meterName = "github.com/MrWong99/bridgespeak"

// Metrics records speech, cache, session, RTVI and HTTP measurements. The
// zero value is not usable; build one with [NewMetrics].
type Metrics struct {
	ttsDuration  metric.Float64Histogram // provider
	ttsRequests  metric.Int64Counter     // provider, status
	ttsErrors    metric.Int64Counter     // provider, kind
	cacheLookups metric.Int64Counter     // result
	transitions  metric.Int64Counter     // from, to
	faults       metric.Int64Counter     // kind
	active       metric.Int64UpDownCounter
	rtviEvents   metric.Int64Counter     // type
	httpDuration metric.Float64Histogram // method, path, status
}

// utteranceBuckets are in seconds. An attempt includes playback, so the
// upper bounds reach well past typical synthesis latency.
var utteranceBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NewMetrics creates every instrument on mp. All creation errors are
// reported together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string, buckets ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}

	m.ttsDuration = seconds("bridgespeak.tts.duration", "Duration of one text-to-speech tier attempt.", utteranceBuckets...)
	m.ttsRequests = counter("bridgespeak.tts.requests", "Text-to-speech tier attempts by provider and status.")
	m.ttsErrors = counter("bridgespeak.tts.errors", "Failed text-to-speech tier attempts by provider and error kind.")
	m.cacheLookups = counter("bridgespeak.cache.lookups", "Audio cache lookups by result.")
	m.transitions = counter("bridgespeak.session.transitions", "Session state transitions.")
	m.faults = counter("bridgespeak.session.faults", "Classified session faults by kind.")
	m.rtviEvents = counter("bridgespeak.rtvi.events", "RTVI messages received from the bot by type.")
	m.httpDuration = seconds("bridgespeak.http.request.duration", "Bridge HTTP request latency by route.")

	active, err := meter.Int64UpDownCounter("bridgespeak.active_sessions",
		metric.WithDescription("Connected sessions."))
	errs = append(errs, err)
	m.active = active

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the instruments bound to the global meter provider.
// It panics if they cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTTSAttempt records one tier attempt. kind is "ok" for a success or
// the error kind otherwise; failures also count towards the error counter.
func (m *Metrics) RecordTTSAttempt(ctx context.Context, provider, kind string, seconds float64) {
	prov := attribute.String("provider", provider)
	status := "ok"
	if kind != "ok" {
		status = "error"
		m.ttsErrors.Add(ctx, 1, metric.WithAttributes(prov, attribute.String("kind", kind)))
	}
	m.ttsDuration.Record(ctx, seconds, metric.WithAttributes(prov))
	m.ttsRequests.Add(ctx, 1, metric.WithAttributes(prov, attribute.String("status", status)))
}

var (
	cacheHit  = metric.WithAttributes(attribute.String("result", "hit"))
	cacheMiss = metric.WithAttributes(attribute.String("result", "miss"))
)

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if hit {
		m.cacheLookups.Add(ctx, 1, cacheHit)
		return
	}
	m.cacheLookups.Add(ctx, 1, cacheMiss)
}

// RecordTransition records a session state change. Entering and leaving the
// connected state moves the active session gauge.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	if to == "connected" {
		m.active.Add(ctx, 1)
	} else if from == "connected" {
		m.active.Add(ctx, -1)
	}
}

// RecordFault records a classified session fault.
func (m *Metrics) RecordFault(ctx context.Context, kind string) {
	m.faults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRTVIEvent records one RTVI message from the bot.
func (m *Metrics) RecordRTVIEvent(ctx context.Context, msgType string) {
	m.rtviEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordHTTPRequest records one bridge request. route is the matched mux
// pattern, or the raw path when nothing matched.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, seconds float64) {
	m.httpDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", route),
		attribute.Int("status", status),
	))
}
