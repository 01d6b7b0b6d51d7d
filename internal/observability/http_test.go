package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestTraceMiddlewarePreservesIncomingTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := TraceIDFromContext(r.Context()); got != "trace-1" {
			t.Fatalf("TraceIDFromContext() = %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(traceHeader, "trace-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get(traceHeader); got != "trace-1" {
		t.Fatalf("trace header = %q", got)
	}
}

func TestTraceMiddlewareGeneratesTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TraceIDFromContext(r.Context()) == "" {
			t.Fatal("expected generated trace id")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Header().Get(traceHeader) == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}

func TestTraceIDContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "abc123")
	if got := TraceIDFromContext(ctx); got != "abc123" {
		t.Fatalf("TraceIDFromContext() = %q", got)
	}
}

func TestTraceMiddlewareReplacesOversizedTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(traceHeader, strings.Repeat("a", 200))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get(traceHeader); len(got) != 32 {
		t.Fatalf("trace header = %q, want a minted id", got)
	}
}

func TestRequestMiddlewareLogsRouteAndRecordsLatency(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("down"))
	})
	h := TraceMiddleware(RequestMiddleware(logger)(mux))

	histogram := httpRequestSeconds.WithLabelValues(http.MethodGet, "GET /v1/things/{id}", "503")
	before := sampleCount(t, histogram)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/things/7", nil))

	if got := sampleCount(t, histogram); got != before+1 {
		t.Fatalf("latency samples = %d, want %d", got, before+1)
	}
	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", logs.String(), err)
	}
	if entry["level"] != "ERROR" || entry["route"] != "GET /v1/things/{id}" || entry["path"] != "/v1/things/7" {
		t.Fatalf("log entry = %v", entry)
	}
	if entry["status"] != float64(http.StatusServiceUnavailable) || entry["bytes"] != float64(4) {
		t.Fatalf("log entry status/bytes = %v/%v", entry["status"], entry["bytes"])
	}
	if entry["trace_id"] == "" {
		t.Fatal("log entry has no trace id")
	}
}

func TestRequestMiddlewareWithoutLogger(t *testing.T) {
	h := RequestMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
}

func sampleCount(t *testing.T, observer prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := observer.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T is not a metric", observer)
	}
	var out dto.Metric
	if err := metric.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return out.GetHistogram().GetSampleCount()
}

func TestTurnIDContextHelpers(t *testing.T) {
	if got := TurnIDFromContext(context.Background()); got != "" {
		t.Fatalf("TurnIDFromContext(empty) = %q", got)
	}
	ctx := ContextWithTurnID(context.Background(), "turn-7")
	if got := TurnIDFromContext(ctx); got != "turn-7" {
		t.Fatalf("TurnIDFromContext() = %q", got)
	}
}

func TestGeneratedTraceIDIsCompactHex(t *testing.T) {
	id := newTraceID()
	if len(id) != 32 {
		t.Fatalf("len(newTraceID()) = %d", len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("newTraceID() = %q contains %q", id, r)
		}
	}
}
