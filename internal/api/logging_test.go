package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ongoingai/llmops/internal/correlation"
	"github.com/ongoingai/llmops/internal/observability"
)

func TestLoggingMiddlewareLogsStatusAndCorrelation(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/evaluations/run", nil)
	req.Header.Set(correlation.HeaderName, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(correlation.HeaderName); got != "req-123" {
		t.Fatalf("correlation header=%q, want req-123", got)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "request complete" {
		t.Fatalf("msg=%v", line["msg"])
	}
	if line["level"] != "WARN" {
		t.Fatalf("level=%v, want WARN for 5xx", line["level"])
	}
	if line["status"] != float64(http.StatusServiceUnavailable) {
		t.Fatalf("status=%v", line["status"])
	}
	if line["path"] != "/api/evaluations/run" || line["method"] != http.MethodPost {
		t.Fatalf("method/path=%v %v", line["method"], line["path"])
	}
	if line["correlation_id"] != "req-123" {
		t.Fatalf("correlation_id=%v, want req-123", line["correlation_id"])
	}
}

func TestLoggingMiddlewareDefaultsToOK(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"] != float64(http.StatusOK) || line["level"] != "INFO" {
		t.Fatalf("line=%v, want INFO with status 200", line)
	}
	if rec.Header().Get(correlation.HeaderName) == "" {
		t.Fatal("expected generated correlation header")
	}
}
