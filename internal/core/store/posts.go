package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// UpsertPosts inserts posts with idempotent semantics: duplicate delivery
// from both the stream and backfill paths is a no-op. Returns the posts that
// were genuinely new.
func (s *Store) UpsertPosts(ctx context.Context, posts []core.Post) ([]core.Post, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if len(posts) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Unix()
	inserted := make([]core.Post, 0, len(posts))

	for _, post := range posts {
		id := strings.TrimSpace(post.ID)
		if id == "" {
			continue
		}
		result, err := s.DB.ExecContext(ctx, `
			INSERT INTO posts (id, account_id, handle, content, posted_at, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, post.AccountID, post.Handle, post.Text, post.PostedAt.UTC().Unix(), now)
		if err != nil {
			return inserted, fmt.Errorf("store post: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("store post: %w", err)
		}
		if affected > 0 {
			inserted = append(inserted, post)
		}
	}

	return inserted, nil
}

// ListRecentPosts returns an account's stored posts, newest first.
func (s *Store) ListRecentPosts(ctx context.Context, accountID string, limit int) ([]core.Post, error) {
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
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, handle, content, posted_at
		FROM posts
		WHERE account_id = ?
		ORDER BY posted_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	posts := make([]core.Post, 0, limit)
	for rows.Next() {
		var (
			post     core.Post
			postedAt int64
		)
		if err := rows.Scan(&post.ID, &post.AccountID, &post.Handle, &post.Text, &postedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		post.PostedAt = time.Unix(postedAt, 0).UTC()
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	return posts, nil
}

// CountPosts reports the number of stored posts for an account, or all
// accounts when accountID is empty.
func (s *Store) CountPosts(ctx context.Context, accountID string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var (
		count int
		err   error
	)
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE account_id = ?`, accountID).Scan(&count)
	} else {
		err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return count, nil
}
