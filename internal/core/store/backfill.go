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

// GetBackfillProgress returns the stored cursor for an account, or nil when
// backfill has not started.
func (s *Store) GetBackfillProgress(ctx context.Context, accountID string) (*core.BackfillProgress, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	var (
		cursor    string
		completed int
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT cursor, completed
		FROM backfill_progress
		WHERE account_id = ?
	`, accountID)

	if err := row.Scan(&cursor, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch backfill progress: %w", err)
	}

	return &core.BackfillProgress{
		AccountID: accountID,
		Cursor:    cursor,
		Completed: completed != 0,
	}, nil
}

// SaveBackfillProgress persists an account's cursor with upsert semantics.
func (s *Store) SaveBackfillProgress(ctx context.Context, progress *core.BackfillProgress) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if progress == nil {
		return errors.New("backfill progress is required")
	}
	accountID := strings.TrimSpace(progress.AccountID)
	if accountID == "" {
		return errors.New("account id is required")
	}

	completed := 0
	if progress.Completed {
		completed = 1
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO backfill_progress (account_id, cursor, completed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			cursor = excluded.cursor,
			completed = excluded.completed,
			updated_at = excluded.updated_at
	`, accountID, progress.Cursor, completed, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store backfill progress: %w", err)
	}

	return nil
}
