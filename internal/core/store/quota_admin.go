package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// QuotaWindowQuery filters admin listings of stored quota windows.
type QuotaWindowQuery struct {
	// All includes expired windows; by default only windows whose start is
	// within the last day are returned.
	All bool
	// Endpoint restricts results to one endpoint key prefix.
	Endpoint string
}

// QuotaWindowEntry is one stored window row for operator inspection.
type QuotaWindowEntry struct {
	Endpoint    core.Endpoint `json:"endpoint"`
	AccountKey  string        `json:"account_key,omitempty"`
	WindowStart time.Time     `json:"window_start"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ListQuotaWindows returns stored quota windows, newest first.
func (s *Store) ListQuotaWindows(ctx context.Context, query QuotaWindowQuery) ([]QuotaWindowEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if !query.All {
		clauses = append(clauses, "window_start >= ?")
		args = append(args, time.Now().UTC().Add(-24*time.Hour).Unix())
	}
	if prefix := strings.TrimSpace(query.Endpoint); prefix != "" {
		clauses = append(clauses, "endpoint LIKE ?")
		args = append(args, prefix+"%")
	}

	stmt := `
		SELECT endpoint, account_key, window_start, request_count, request_limit, updated_at
		FROM quota_windows`
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY window_start DESC, endpoint ASC"

	rows, err := s.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list quota windows: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	entries := make([]QuotaWindowEntry, 0)
	for rows.Next() {
		var (
			endpoint    string
			accountKey  string
			windowStart int64
			count       int
			limit       int
			updatedAt   int64
		)
		if err := rows.Scan(&endpoint, &accountKey, &windowStart, &count, &limit, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan quota window: %w", err)
		}
		entries = append(entries, QuotaWindowEntry{
			Endpoint:    core.Endpoint(endpoint),
			AccountKey:  accountKey,
			WindowStart: time.Unix(windowStart, 0).UTC(),
			Count:       count,
			Limit:       limit,
			UpdatedAt:   time.Unix(updatedAt, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quota windows: %w", err)
	}

	return entries, nil
}

// ResetQuotaWindows deletes stored windows, optionally only for one
// endpoint. Returns the number of rows removed.
func (s *Store) ResetQuotaWindows(ctx context.Context, endpoint string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var (
		result interface{ RowsAffected() (int64, error) }
		err    error
	)
	if key := strings.TrimSpace(endpoint); key != "" {
		result, err = s.DB.ExecContext(ctx, `DELETE FROM quota_windows WHERE endpoint = ?`, key)
	} else {
		result, err = s.DB.ExecContext(ctx, `DELETE FROM quota_windows`)
	}
	if err != nil {
		return 0, fmt.Errorf("reset quota windows: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset quota windows: %w", err)
	}
	return affected, nil
}
