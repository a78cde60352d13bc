package store

import (
	"context"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS quota_windows (
		endpoint TEXT NOT NULL,
		account_key TEXT NOT NULL DEFAULT '',
		window_start INTEGER NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		request_limit INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (endpoint, account_key, window_start)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_quota_windows_start ON quota_windows(window_start);`,
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		handle TEXT,
		content TEXT NOT NULL,
		posted_at INTEGER NOT NULL,
		ingested_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_posts_account ON posts(account_id, posted_at);`,
	`CREATE TABLE IF NOT EXISTS backfill_progress (
		account_id TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	return nil
}
