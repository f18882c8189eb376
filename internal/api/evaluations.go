package api

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/ledger"
)

const (
	defaultEvaluationLimit = 200
	maxEvaluationLimit     = 1000
)

// EvaluationsHandler lists raw evaluation records, newest first, optionally
// filtered by evaluator display name and trace id.
func EvaluationsHandler(evals *ledger.Ledger[eval.Record], logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		query := r.URL.Query()
		limit := defaultEvaluationLimit
		if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(parsed, maxEvaluationLimit)
		}
		evaluator := strings.TrimSpace(query.Get("evaluator"))
		traceID := strings.TrimSpace(query.Get("trace_id"))

		records, err := readLedger(r.Context(), evals)
		if err != nil {
			logRequestError(r, logger, "list evaluations failed", err)
			writeError(w, http.StatusInternalServerError, "failed to read evaluations")
			return
		}

		filtered := make([]eval.Record, 0, len(records))
		for _, rec := range records {
			if evaluator != "" && rec.EvaluatorName != evaluator {
				continue
			}
			if traceID != "" && rec.TraceID != traceID {
				continue
			}
			filtered = append(filtered, rec)
		}
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].Timestamp > filtered[j].Timestamp
		})
		if len(filtered) > limit {
			filtered = filtered[:limit]
		}
		writeJSON(w, http.StatusOK, filtered)
	})
}

// EvaluationRunHandler runs one evaluation cycle synchronously.
func EvaluationRunHandler(runner EvaluationRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if runner == nil {
			writeError(w, http.StatusServiceUnavailable, "evaluation runner is not configured")
			return
		}

		summary, err := runner.Run(r.Context())
		if err != nil {
			logRequestError(r, logger, "evaluation run failed", err)
			writeError(w, http.StatusInternalServerError, "evaluation run failed")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})
}
