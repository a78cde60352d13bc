package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pulsefeed/pulsefeed/internal/core"
	"github.com/pulsefeed/pulsefeed/internal/core/engine"
)

// PostLister reads stored posts for the read-side endpoints.
type PostLister interface {
	ListRecentPosts(ctx context.Context, accountID string, limit int) ([]core.Post, error)
	CountPosts(ctx context.Context, accountID string) (int, error)
}

// Ingest exposes the running coordinator over HTTP.
type Ingest struct {
	Coordinator *engine.Coordinator
	Posts       PostLister

	// Start and Stop back the control endpoints. The serve command wires
	// Start with the process run context so a restarted coordinator outlives
	// the HTTP request that triggered it.
	Start func() error
	Stop  func() error
}

// StatusHandler reports the ingestion mode, queue depth, and per-endpoint
// quota consumption.
func (h *Ingest) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Coordinator == nil {
		respondError(w, r, http.StatusServiceUnavailable, "NOT_READY", "ingestion is not running")
		return
	}
	respondJSON(w, http.StatusOK, h.Coordinator.Status(r.Context()))
}

type syncRequest struct {
	AccountIDs []string `json:"account_ids"`
}

// SyncHandler triggers an immediate fetch for the named accounts, or all
// tracked accounts when the body is empty. Concurrent calls collapse into
// one pass and accounts inside the cooldown window are skipped.
func (h *Ingest) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Coordinator == nil {
		respondError(w, r, http.StatusServiceUnavailable, "NOT_READY", "ingestion is not running")
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}

	if err := h.Coordinator.SyncNow(r.Context(), req.AccountIDs); err != nil {
		switch {
		case errors.Is(err, core.ErrThrottled):
			respondError(w, r, http.StatusTooManyRequests, "THROTTLED", "provider quota exhausted, try again later")
		case errors.Is(err, core.ErrNotFound):
			respondError(w, r, http.StatusNotFound, "NOT_FOUND", "account not found")
		default:
			respondError(w, r, http.StatusBadGateway, "SYNC_FAILED", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "synced"})
}

// StartHandler resumes ingestion after a control stop.
func (h *Ingest) StartHandler(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Coordinator == nil || h.Start == nil {
		respondError(w, r, http.StatusServiceUnavailable, "NOT_READY", "ingestion control is not available")
		return
	}

	if err := h.Start(); err != nil {
		if h.Coordinator.State() != engine.StateStopped {
			respondError(w, r, http.StatusConflict, "ALREADY_RUNNING", "ingestion is already running")
			return
		}
		respondError(w, r, http.StatusInternalServerError, "START_FAILED", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"state": string(h.Coordinator.State())})
}

// StopHandler halts ingestion while leaving the HTTP server up, so quota
// state and stored posts stay inspectable. Stopping twice is a no-op.
func (h *Ingest) StopHandler(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Coordinator == nil || h.Stop == nil {
		respondError(w, r, http.StatusServiceUnavailable, "NOT_READY", "ingestion control is not available")
		return
	}

	if err := h.Stop(); err != nil {
		respondError(w, r, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"state": string(h.Coordinator.State())})
}

// PostsHandler lists an account's stored posts, newest first.
func (h *Ingest) PostsHandler(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Posts == nil {
		respondError(w, r, http.StatusServiceUnavailable, "NOT_READY", "store is not available")
		return
	}

	accountID := chi.URLParam(r, "accountID")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			respondError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer between 1 and 500")
			return
		}
		limit = parsed
	}

	posts, err := h.Posts.ListRecentPosts(r.Context(), accountID, limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	total, err := h.Posts.CountPosts(r.Context(), accountID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"count":      len(posts),
		"total":      total,
		"posts":      posts,
	})
}
