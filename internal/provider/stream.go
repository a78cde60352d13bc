package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/core"
	"github.com/pulsefeed/pulsefeed/internal/core/engine"
)

// maxStreamLine bounds a single stream frame. Provider posts are short; a
// larger frame indicates a corrupt connection.
const maxStreamLine = 1 << 20

// httpStream reads newline-delimited JSON frames from a long-lived response
// body. Keep-alive frames are blank lines and are skipped.
type httpStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// OpenStream establishes the filtered push connection for the given account
// ids. The connection lives until it fails or Close is called; the caller is
// charged one request for the connect, not per delivered event.
func (c *Client) OpenStream(ctx context.Context, accountIDs []string) (engine.Stream, error) {
	if len(accountIDs) == 0 {
		return nil, errors.New("at least one account id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := url.Values{}
	query.Set("accounts", strings.Join(accountIDs, ","))
	endpoint, err := c.resolve("/stream/posts", query)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	c.decorate(req)

	// The shared client's timeout would sever the long-lived connection, so
	// the stream uses its own client with no deadline.
	client := &http.Client{Transport: c.transport()}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("open stream: %w", core.ErrThrottled)
		}
		return nil, fmt.Errorf("open stream: provider status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	return &httpStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

func (c *Client) transport() http.RoundTripper {
	if c != nil && c.HTTPClient != nil && c.HTTPClient.Transport != nil {
		return c.HTTPClient.Transport
	}
	return http.DefaultTransport
}

// Next blocks until the next post frame arrives. A closed or failed
// connection returns ErrStreamClosed wrapped with the underlying cause.
func (s *httpStream) Next(ctx context.Context) (*core.Post, error) {
	if s == nil || s.scanner == nil {
		return nil, core.ErrStreamClosed
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", core.ErrStreamClosed, err)
			}
			return nil, core.ErrStreamClosed
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			// keep-alive
			continue
		}
		var frame struct {
			Data struct {
				ID        string    `json:"id"`
				AccountID string    `json:"account_id"`
				Handle    string    `json:"handle"`
				Text      string    `json:"text"`
				PostedAt  time.Time `json:"posted_at"`
			} `json:"data"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("decode stream frame: %w", err)
		}
		if frame.Data.ID == "" {
			continue
		}
		return &core.Post{
			ID:        frame.Data.ID,
			AccountID: frame.Data.AccountID,
			Handle:    frame.Data.Handle,
			Text:      frame.Data.Text,
			PostedAt:  frame.Data.PostedAt.UTC(),
		}, nil
	}
}

// Close terminates the connection. Safe to call concurrently with Next.
func (s *httpStream) Close() error {
	if s == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}
