package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareHarness wires Middleware to a manual metric reader, an
// in-memory span exporter and a captured debug-level log.
type middlewareHarness struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	logs   *bytes.Buffer
	wrap   func(http.Handler) http.Handler
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	spans := installTracer(t)

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	return &middlewareHarness{reader: reader, spans: spans, logs: &logs, wrap: Middleware(m)}
}

func (h *middlewareHarness) serve(status int, req *http.Request) (*httptest.ResponseRecorder, string) {
	var seen string
	handler := h.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		status     int
		wantStatus codes.Code
	}{
		{"ok", "/ws/device", http.StatusOK, codes.Unset},
		{"client error", "/ws/app", http.StatusBadRequest, codes.Unset},
		{"server error", "/streamz", http.StatusInternalServerError, codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMiddlewareHarness(t)
			h.serve(tt.status, httptest.NewRequest(http.MethodGet, tt.path, nil))

			spans := h.spans.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if want := "GET " + tt.path; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			if spans[0].Status.Code != tt.wantStatus {
				t.Errorf("span status = %v, want %v", spans[0].Status.Code, tt.wantStatus)
			}
			var code int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					code = a.Value.AsInt64()
				}
			}
			if code != int64(tt.status) {
				t.Errorf("http.response.status_code = %d, want %d", code, tt.status)
			}
		})
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h := newMiddlewareHarness(t)

	rec, seen := h.serve(http.StatusOK, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if len(seen) != 32 {
		t.Fatalf("handler correlation id = %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/ws/device", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec, seen = h.serve(http.StatusOK, req)
	if seen != traceID {
		t.Errorf("handler correlation id = %q, want incoming trace %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if got := rec.Header().Get("traceparent"); !strings.Contains(got, traceID) {
		t.Errorf("traceparent = %q, want it to carry %s", got, traceID)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	h := newMiddlewareHarness(t)
	h.serve(http.StatusOK, httptest.NewRequest(http.MethodGet, "/ws/app?user_id=u1&app_id=a1", nil))

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "glassline.http.request.duration")
	if met == nil {
		t.Fatal("glassline.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("data = %T with %d points, want one histogram point", met.Data, len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("count = %d, want 1", dp.Count)
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method attribute = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/ws/app" {
		t.Errorf("path attribute = %q, want /ws/app without query", v.AsString())
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	tests := []struct {
		path      string
		wantLevel string
	}{
		{"/metrics", "level=DEBUG"},
		{"/readyz", "level=DEBUG"},
		{"/ws/device?user_id=u7", "level=INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h := newMiddlewareHarness(t)
			h.serve(http.StatusOK, httptest.NewRequest(http.MethodGet, tt.path, nil))

			out := h.logs.String()
			if !strings.Contains(out, "request completed") || !strings.Contains(out, tt.wantLevel) {
				t.Errorf("log = %q, want %s completion", out, tt.wantLevel)
			}
			if strings.Contains(tt.path, "user_id=") && !strings.Contains(out, "user_id=u7") {
				t.Errorf("log = %q, want user_id attribute", out)
			}
		})
	}
}

func TestMiddleware_PassesHijacker(t *testing.T) {
	h := newMiddlewareHarness(t)

	var hijackable bool
	srv := httptest.NewServer(h.wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		hijackable = ok
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n"))
		_ = conn.Close()
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/device")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()

	if !hijackable {
		t.Fatal("middleware response writer does not implement http.Hijacker")
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}
