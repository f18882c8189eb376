package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ongoingai/llmops/internal/storage"
)

type refreshResponse struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Snapshot any    `json:"snapshot,omitempty"`
}

func MetricsHandler(service MetricsService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "metrics service is not configured")
			return
		}

		snap, err := service.Latest(r.Context())
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no metrics snapshot yet")
			return
		}
		if err != nil {
			logRequestError(r, logger, "read metrics snapshot failed", err)
			writeError(w, http.StatusInternalServerError, "failed to read metrics snapshot")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})
}

// MetricsRefreshHandler runs one aggregation cycle synchronously.
func MetricsRefreshHandler(service MetricsService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "metrics service is not configured")
			return
		}

		result, err := service.RunCycle(r.Context())
		if err != nil {
			logRequestError(r, logger, "aggregation cycle failed", err)
			writeError(w, http.StatusInternalServerError, "aggregation cycle failed")
			return
		}
		if result.NoTraces || result.Snapshot == nil {
			writeJSON(w, http.StatusOK, refreshResponse{Status: "skipped", Reason: "no traces"})
			return
		}
		writeJSON(w, http.StatusOK, refreshResponse{Status: "written", Snapshot: result.Snapshot})
	})
}
