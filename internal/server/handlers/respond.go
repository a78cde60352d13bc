// Package handlers implements the operational HTTP endpoints: health and
// version probes plus the ingestion status, sync, and posts surface.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pulsefeed/pulsefeed/internal/server/middleware"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	})
}
