package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ongoingai/llmops/internal/configstore"
	"github.com/ongoingai/llmops/internal/pathutil"
)

type evaluatorsResponse struct {
	Evaluators []evaluatorResponse `json:"evaluators"`
}

type evaluatorMutationResponse struct {
	Status    string            `json:"status"`
	Evaluator evaluatorResponse `json:"evaluator"`
}

type evaluatorResponse struct {
	configstore.EvaluatorConfig
	Execution any `json:"execution"`
}

type createEvaluatorRequest struct {
	ID        string                  `json:"id"`
	ScoreName string                  `json:"score_name"`
	Template  configstore.TemplateRef `json:"template"`
	Target    string                  `json:"target"`
	Status    string                  `json:"status"`
	Execution map[string]any          `json:"execution"`
}

type updateEvaluatorStatusRequest struct {
	Status string `json:"status"`
}

func TemplatesHandler(source TemplateSource, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if source == nil {
			writeError(w, http.StatusServiceUnavailable, "template catalog is not configured")
			return
		}
		catalog, err := source.Read(r.Context())
		if err != nil {
			logRequestError(r, logger, "read templates failed", err)
			writeError(w, http.StatusInternalServerError, "failed to read templates")
			return
		}
		writeJSON(w, http.StatusOK, catalog)
	})
}

func EvaluatorsHandler(store EvaluatorConfigStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "evaluator store is not configured")
			return
		}
		switch r.Method {
		case http.MethodGet:
			handleListEvaluators(w, r, store, logger)
		case http.MethodPost:
			handleCreateEvaluator(w, r, store, logger)
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// EvaluatorDetailHandler serves PATCH /api/evaluators/{id}/status.
func EvaluatorDetailHandler(store EvaluatorConfigStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest, ok := pathutil.TrailingSegment(r.URL.Path, "/api/evaluators")
		parts := strings.Split(rest, "/")
		if !ok || len(parts) != 2 || parts[0] == "" || parts[1] != "status" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPatch {
			w.Header().Set("Allow", "PATCH, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "evaluator store is not configured")
			return
		}

		var body updateEvaluatorStatusRequest
		if err := decodeBody(w, r, &body); err != nil {
			writeDecodeError(w, err)
			return
		}
		updated, err := store.UpdateStatus(r.Context(), parts[0], strings.TrimSpace(body.Status))
		if err != nil {
			writeStoreError(w, r, logger, "update evaluator status failed", err)
			return
		}
		writeJSON(w, http.StatusOK, evaluatorMutationResponse{Status: "ok", Evaluator: toEvaluatorResponse(updated)})
	})
}

func handleListEvaluators(w http.ResponseWriter, r *http.Request, store EvaluatorConfigStore, logger *slog.Logger) {
	items, err := store.List(r.Context())
	if err != nil {
		logRequestError(r, logger, "list evaluators failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list evaluators")
		return
	}
	out := make([]evaluatorResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toEvaluatorResponse(item))
	}
	writeJSON(w, http.StatusOK, evaluatorsResponse{Evaluators: out})
}

func handleCreateEvaluator(w http.ResponseWriter, r *http.Request, store EvaluatorConfigStore, logger *slog.Logger) {
	var body createEvaluatorRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeDecodeError(w, err)
		return
	}

	created, err := store.Create(r.Context(), configstore.EvaluatorConfig{
		ID:        body.ID,
		ScoreName: body.ScoreName,
		Template:  body.Template,
		Target:    strings.TrimSpace(body.Target),
		Status:    strings.TrimSpace(body.Status),
		Execution: body.Execution,
	})
	if err != nil {
		writeStoreError(w, r, logger, "create evaluator failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, evaluatorMutationResponse{Status: "ok", Evaluator: toEvaluatorResponse(created)})
}

func writeStoreError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	switch {
	case errors.Is(err, configstore.ErrInvalid):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), configstore.ErrInvalid.Error()+": "))
	case errors.Is(err, configstore.ErrConflict):
		writeError(w, http.StatusConflict, "evaluator with this id already exists")
	case errors.Is(err, configstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "evaluator not found")
	default:
		logRequestError(r, logger, msg, err)
		writeError(w, http.StatusInternalServerError, "failed to update evaluators")
	}
}

func toEvaluatorResponse(cfg configstore.EvaluatorConfig) evaluatorResponse {
	var execution any = map[string]any{}
	if cfg.Execution != nil {
		execution = scrubNonFinite(cfg.Execution)
	}
	return evaluatorResponse{EvaluatorConfig: cfg, Execution: execution}
}
