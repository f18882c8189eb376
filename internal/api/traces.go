package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/pathutil"
	"github.com/ongoingai/llmops/internal/session"
	"github.com/ongoingai/llmops/internal/storage"
	"github.com/ongoingai/llmops/internal/trace"
)

type traceWithScores struct {
	trace.Trace
	Scores map[string]*float64 `json:"scores"`
}

// readLedger returns every record, or an empty slice when the ledger has
// not been created yet.
func readLedger[T any](ctx context.Context, l *ledger.Ledger[T]) ([]T, error) {
	if l == nil {
		return []T{}, nil
	}
	items, err := l.ReadAll(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func TracesHandler(traces *ledger.Ledger[trace.Trace], evals *ledger.Ledger[eval.Record], logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		items, scores, err := loadTracesWithScores(r.Context(), traces, evals)
		if err != nil {
			logRequestError(r, logger, "list traces failed", err)
			writeError(w, http.StatusInternalServerError, "failed to read traces")
			return
		}

		out := make([]traceWithScores, 0, len(items))
		for _, item := range items {
			out = append(out, withScores(item, scores))
		}
		writeJSON(w, http.StatusOK, out)
	})
}

// TraceDetailHandler returns the first trace in ledger order with the given
// id. Trace ids may repeat across sessions.
func TraceDetailHandler(traces *ledger.Ledger[trace.Trace], evals *ledger.Ledger[eval.Record], logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		id, ok := pathutil.TrailingSegment(r.URL.Path, "/api/traces")
		if !ok || id == "" {
			http.NotFound(w, r)
			return
		}

		items, scores, err := loadTracesWithScores(r.Context(), traces, evals)
		if err != nil {
			logRequestError(r, logger, "get trace failed", err)
			writeError(w, http.StatusInternalServerError, "failed to read traces")
			return
		}
		for _, item := range items {
			if item.TraceID == id {
				writeJSON(w, http.StatusOK, withScores(item, scores))
				return
			}
		}
		writeError(w, http.StatusNotFound, "trace not found")
	})
}

func SessionsHandler(traces *ledger.Ledger[trace.Trace], logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		items, err := readLedger(r.Context(), traces)
		if err != nil {
			logRequestError(r, logger, "list sessions failed", err)
			writeError(w, http.StatusInternalServerError, "failed to read traces")
			return
		}

		summaries := session.Summarize(items)
		out := make([]map[string]any, 0, len(summaries))
		for _, s := range summaries {
			out = append(out, map[string]any{
				"session_id":   s.SessionID,
				"user_id":      s.UserID,
				"trace_count":  s.TraceCount,
				"total_tokens": s.TotalTokens,
				"total_cost":   s.TotalCost,
				"created":      s.Created,
			})
		}
		writeJSON(w, http.StatusOK, scrubNonFinite(out))
	})
}

func loadTracesWithScores(ctx context.Context, traces *ledger.Ledger[trace.Trace], evals *ledger.Ledger[eval.Record]) ([]trace.Trace, map[string]map[string]float64, error) {
	items, err := readLedger(ctx, traces)
	if err != nil {
		return nil, nil, err
	}
	records, err := readLedger(ctx, evals)
	if err != nil {
		return nil, nil, err
	}
	return items, eval.ScoresByTrace(records), nil
}

func withScores(t trace.Trace, scores map[string]map[string]float64) traceWithScores {
	return traceWithScores{Trace: t, Scores: finiteScores(scores[t.TraceID])}
}
