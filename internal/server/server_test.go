package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/core"
	"github.com/pulsefeed/pulsefeed/internal/core/engine"
	"github.com/pulsefeed/pulsefeed/internal/server/handlers"
)

type fakePostLister struct {
	posts []core.Post
	err   error
}

func (f *fakePostLister) ListRecentPosts(_ context.Context, accountID string, limit int) ([]core.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.posts) {
		return f.posts[:limit], nil
	}
	return f.posts, nil
}

func (f *fakePostLister) CountPosts(context.Context, string) (int, error) {
	return len(f.posts), f.err
}

func newTestServer(t *testing.T, ingest *handlers.Ingest) *Server {
	t.Helper()
	return New(Options{
		Config:  config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Logger:  zap.NewNop(),
		Ingest:  ingest,
		Version: "test",
	})
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body handlers.VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "pulsefeed", body.App.Name)
}

func TestNotFoundIsJSON(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestStatusEndpoint(t *testing.T) {
	coordinator := &engine.Coordinator{
		Scheduler: &engine.Scheduler{Tracker: &engine.Tracker{}},
		Tracker:   &engine.Tracker{},
	}
	srv := newTestServer(t, &handlers.Ingest{Coordinator: coordinator})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, engine.StateStopped, status.State)
	require.Zero(t, status.QueueLength)
	require.NotEmpty(t, status.Endpoints)
}

func TestStatusWithoutCoordinator(t *testing.T) {
	srv := newTestServer(t, &handlers.Ingest{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "NOT_READY")
}

func TestSyncRejectsBadBody(t *testing.T) {
	coordinator := &engine.Coordinator{
		Scheduler: &engine.Scheduler{Tracker: &engine.Tracker{}},
		Tracker:   &engine.Tracker{},
	}
	srv := newTestServer(t, &handlers.Ingest{Coordinator: coordinator})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader("{not json"))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_REQUEST")
}

func TestControlEndpoints(t *testing.T) {
	coordinator := &engine.Coordinator{
		Scheduler: &engine.Scheduler{Tracker: &engine.Tracker{}},
		Tracker:   &engine.Tracker{},
	}
	var started, stopped bool
	srv := newTestServer(t, &handlers.Ingest{
		Coordinator: coordinator,
		Start:       func() error { started = true; return nil },
		Stop:        func() error { stopped = true; return nil },
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control/stop", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, stopped)
	require.Contains(t, rec.Body.String(), "stopped")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control/start", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, started)
}

func TestControlEndpointsNotWired(t *testing.T) {
	coordinator := &engine.Coordinator{
		Scheduler: &engine.Scheduler{Tracker: &engine.Tracker{}},
		Tracker:   &engine.Tracker{},
	}
	srv := newTestServer(t, &handlers.Ingest{Coordinator: coordinator})

	for _, path := range []string{"/control/start", "/control/stop"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Contains(t, rec.Body.String(), "NOT_READY")
	}
}

func TestPostsEndpoint(t *testing.T) {
	lister := &fakePostLister{posts: []core.Post{
		{ID: "2", AccountID: "acct-1", Text: "newer"},
		{ID: "1", AccountID: "acct-1", Text: "older"},
	}}
	srv := newTestServer(t, &handlers.Ingest{Posts: lister})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/acct-1/posts", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		AccountID string      `json:"account_id"`
		Count     int         `json:"count"`
		Total     int         `json:"total"`
		Posts     []core.Post `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "acct-1", body.AccountID)
	require.Equal(t, 2, body.Count)
	require.Equal(t, 2, body.Total)

	// A bounded page still reports the full stored total.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/acct-1/posts?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, 2, body.Total)
}

func TestPostsEndpointLimitValidation(t *testing.T) {
	srv := newTestServer(t, &handlers.Ingest{Posts: &fakePostLister{}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/acct-1/posts?limit=9999", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostsEndpointStoreError(t *testing.T) {
	srv := newTestServer(t, &handlers.Ingest{Posts: &fakePostLister{err: errors.New("db down")}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/acct-1/posts", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "STORE_ERROR")
}
