package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gyaneshwarpardhi/postback/internal/status"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeStoreError maps core errors to responses. Transient store failures are
// 503 with Retry-After so the network's retry policy resends the postback.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, status.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, status.ErrMissingTraderID):
		writeError(w, http.StatusBadRequest, "missing_trader_id")
	case status.Retryable(err), errors.Is(err, context.DeadlineExceeded):
		slog.Warn("store unavailable", "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}
