package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented wraps h in Middleware backed by a manual metric reader and
// the in-memory tracer installed by useTracerProvider.
func instrumented(t *testing.T, h http.Handler) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := useTracerProvider(t)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return Middleware(m)(h), reader, exp
}

func bridgeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tts/voices/{lang}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /api/session/connect", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "transport down", http.StatusBadGateway)
	})
	mux.HandleFunc("POST /api/tts/speak", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		traceparent string
		wantID      string
	}{
		{name: "new trace"},
		{
			name:        "continues caller trace",
			traceparent: "00-" + traceID + "-00f067aa0ba902b7-01",
			wantID:      traceID,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var inHandler string
			h, _, _ := instrumented(t, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				inHandler = CorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/tts/status", nil)
			if tc.traceparent != "" {
				req.Header.Set("traceparent", tc.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if len(inHandler) != 32 {
				t.Fatalf("correlation ID in handler = %q, want 32 hex chars", inHandler)
			}
			if tc.wantID != "" && inHandler != tc.wantID {
				t.Errorf("correlation ID = %q, want %q", inHandler, tc.wantID)
			}
			if got := rec.Header().Get(CorrelationHeader); got != inHandler {
				t.Errorf("%s = %q, want %q", CorrelationHeader, got, inHandler)
			}
			if rec.Header().Get("traceparent") == "" {
				t.Error("response is missing the traceparent header")
			}
		})
	}
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		method, path string
		wantName     string
		wantStatus   int
		wantCode     codes.Code
	}{
		{http.MethodGet, "/api/tts/voices/en-IE", "HTTP GET /api/tts/voices/{lang}", http.StatusOK, codes.Unset},
		{http.MethodPost, "/api/tts/speak", "HTTP POST /api/tts/speak", http.StatusAccepted, codes.Unset},
		{http.MethodPost, "/api/session/connect", "HTTP POST /api/session/connect", http.StatusBadGateway, codes.Error},
		{http.MethodGet, "/nowhere", "HTTP /nowhere", http.StatusNotFound, codes.Unset},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			h, _, exp := instrumented(t, bridgeMux())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != tc.wantName {
				t.Errorf("span name = %q, want %q", s.Name, tc.wantName)
			}
			if s.Status.Code != tc.wantCode {
				t.Errorf("span status = %v, want %v", s.Status.Code, tc.wantCode)
			}
			var status int64
			for _, a := range s.Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != int64(tc.wantStatus) {
				t.Errorf("http.response.status_code = %d, want %d", status, tc.wantStatus)
			}
		})
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	h, reader, _ := instrumented(t, bridgeMux())

	for _, lang := range []string{"en-IE", "zh-CN", "fr-FR"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tts/voices/"+lang, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/session/connect", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "bridgespeak.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T, want histogram", met.Data)
	}

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		counts[path.AsString()+" "+status.Emit()] += dp.Count
	}
	want := map[string]uint64{
		"GET /api/tts/voices/{lang} 200": 3,
		"POST /api/session/connect 502":  1,
	}
	if len(counts) != len(want) {
		t.Fatalf("series = %v, want %v", counts, want)
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("series %q count = %d, want %d", k, counts[k], n)
		}
	}
}

func TestMiddleware_Hijack(t *testing.T) {
	var hijackErr error
	h, _, _ := instrumented(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("wrapped writer does not expose Hijack")
			return
		}
		_, _, hijackErr = hj.Hijack()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/events", nil))

	if hijackErr == nil {
		t.Error("Hijack on a recorder should fail")
	}
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	t.Parallel()
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if got := rw.code(); got != http.StatusOK {
		t.Errorf("code() before any write = %d, want 200", got)
	}
	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusInternalServerError)
	if got := rw.code(); got != http.StatusTeapot {
		t.Errorf("code() = %d, want %d", got, http.StatusTeapot)
	}
}
