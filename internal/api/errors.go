package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"polyvox/pkg/model"
)

// errorResponse is the JSON body for all error statuses.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the engine's error taxonomy onto HTTP statuses. Invalid
// input is the caller's fault, conflicts mean the job moved on, quota and
// backpressure failures tell the caller to back off.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case model.IsValidation(err):
		status = http.StatusBadRequest
	case model.IsConflict(err):
		status = http.StatusConflict
	case model.IsQuotaExceeded(err):
		status = http.StatusTooManyRequests
	case model.IsBackpressure(err), model.IsCircuitOpen(err):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("API: request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
