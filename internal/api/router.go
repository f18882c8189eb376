// Package api serves the read API over the trace and evaluation ledgers, the
// metrics snapshot, and the evaluator configuration documents.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/llmops/internal/configstore"
	"github.com/ongoingai/llmops/internal/correlation"
	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/metrics"
	"github.com/ongoingai/llmops/internal/trace"
)

const mutationBodyLimit int64 = 64 << 10

var errBodyTooLarge = errors.New("request body too large")
var errInvalidJSON = errors.New("invalid json body")

// MetricsService produces and serves the metrics snapshot.
type MetricsService interface {
	RunCycle(ctx context.Context) (metrics.CycleResult, error)
	Latest(ctx context.Context) (metrics.Snapshot, error)
}

// EvaluationRunner runs one evaluation cycle.
type EvaluationRunner interface {
	Run(ctx context.Context) (eval.RunSummary, error)
}

type EvaluatorConfigStore interface {
	List(ctx context.Context) ([]configstore.EvaluatorConfig, error)
	Create(ctx context.Context, cfg configstore.EvaluatorConfig) (configstore.EvaluatorConfig, error)
	UpdateStatus(ctx context.Context, id, status string) (configstore.EvaluatorConfig, error)
}

type TemplateSource interface {
	Read(ctx context.Context) (configstore.TemplateCatalog, error)
}

type RouterOptions struct {
	AppVersion    string
	StorageDriver string
	Traces        *ledger.Ledger[trace.Trace]
	Evaluations   *ledger.Ledger[eval.Record]
	Metrics       MetricsService
	// Runner is nil when no judge model is configured.
	Runner     EvaluationRunner
	Evaluators EvaluatorConfigStore
	Templates  TemplateSource
	Logger     *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		Traces:        options.Traces,
	}))
	mux.Handle("/api/traces", TracesHandler(options.Traces, options.Evaluations, logger))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Traces, options.Evaluations, logger))
	mux.Handle("/api/evaluations", EvaluationsHandler(options.Evaluations, logger))
	mux.Handle("/api/evaluations/run", EvaluationRunHandler(options.Runner, logger))
	mux.Handle("/api/sessions", SessionsHandler(options.Traces, logger))
	mux.Handle("/api/metrics", MetricsHandler(options.Metrics, logger))
	mux.Handle("/api/metrics/refresh", MetricsRefreshHandler(options.Metrics, logger))
	mux.Handle("/api/templates", TemplatesHandler(options.Templates, logger))
	mux.Handle("/api/evaluators", EvaluatorsHandler(options.Evaluators, logger))
	mux.Handle("/api/evaluators/", EvaluatorDetailHandler(options.Evaluators, logger))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "llmops",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return correlation.Middleware(withCORS(mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+correlation.HeaderName)
		w.Header().Set("Access-Control-Expose-Headers", correlation.HeaderName)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r == nil || r.Body == nil {
		return nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, mutationBodyLimit)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errBodyTooLarge
		}
		return errInvalidJSON
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errInvalidJSON
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid json body")
}

func logRequestError(r *http.Request, logger *slog.Logger, msg string, err error) {
	logger.ErrorContext(r.Context(), msg,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
}
