package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// GetQuotaWindow returns the stored counter for one (endpoint, account,
// windowStart) triple, or nil when no spend has been recorded yet.
func (s *Store) GetQuotaWindow(ctx context.Context, endpoint core.Endpoint, accountKey string, windowStart time.Time) (*core.QuotaWindow, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key := strings.TrimSpace(string(endpoint))
	if key == "" {
		return nil, errors.New("endpoint is required")
	}

	var (
		count int
		limit int
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT request_count, request_limit
		FROM quota_windows
		WHERE endpoint = ? AND account_key = ? AND window_start = ?
	`, key, accountKey, windowStart.UTC().Unix())

	if err := row.Scan(&count, &limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch quota window: %w", err)
	}

	return &core.QuotaWindow{
		Endpoint:    endpoint,
		AccountKey:  accountKey,
		WindowStart: windowStart.UTC(),
		Count:       count,
		Limit:       limit,
	}, nil
}

// SaveQuotaWindow persists a window counter with upsert semantics.
func (s *Store) SaveQuotaWindow(ctx context.Context, window *core.QuotaWindow) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if window == nil {
		return errors.New("quota window is required")
	}
	key := strings.TrimSpace(string(window.Endpoint))
	if key == "" {
		return errors.New("endpoint is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO quota_windows (endpoint, account_key, window_start, request_count, request_limit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint, account_key, window_start) DO UPDATE SET
			request_count = excluded.request_count,
			request_limit = excluded.request_limit,
			updated_at = excluded.updated_at
	`, key, window.AccountKey, window.WindowStart.UTC().Unix(), window.Count, window.Limit, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store quota window: %w", err)
	}

	return nil
}
