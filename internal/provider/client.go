// Package provider implements the client for the rate-limited posts API:
// pull endpoints for account lookup and post fetches, and a push endpoint
// for the filtered real-time stream.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/core"
	"github.com/pulsefeed/pulsefeed/internal/core/engine"
)

const defaultTimeout = 15 * time.Second

// Client talks to the provider API with bearer auth. Every pull response's
// rate limit headers are surfaced so the quota tracker can reconcile its
// local estimate with provider truth.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	UserAgent   string
}

type accountPayload struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

type postPayload struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Handle    string    `json:"handle"`
	Text      string    `json:"text"`
	PostedAt  time.Time `json:"posted_at"`
}

type postsEnvelope struct {
	Data []postPayload `json:"data"`
	Meta struct {
		OldestID string `json:"oldest_id"`
	} `json:"meta"`
}

// LookupAccount resolves a handle to an account. An unknown handle is a
// definitive failure, not retried.
func (c *Client) LookupAccount(ctx context.Context, handle string) (*core.Account, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return nil, errors.New("handle is required")
	}

	var payload accountPayload
	if _, err := c.getJSON(ctx, "/accounts/by/handle/"+url.PathEscape(handle), nil, &payload); err != nil {
		return nil, err
	}

	return &core.Account{
		ID:          payload.ID,
		Handle:      payload.Handle,
		DisplayName: payload.DisplayName,
	}, nil
}

// FetchPosts returns one page of an account's posts, newest first, bounded
// by the given cursors.
func (c *Client) FetchPosts(ctx context.Context, accountID string, opts core.FetchOptions) (*core.FetchPage, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	query := url.Values{}
	if opts.SinceID != "" {
		query.Set("since_id", opts.SinceID)
	}
	if opts.UntilID != "" {
		query.Set("until_id", opts.UntilID)
	}
	if opts.MaxResults > 0 {
		query.Set("max_results", strconv.Itoa(opts.MaxResults))
	}

	var envelope postsEnvelope
	headers, err := c.getJSON(ctx, "/accounts/"+url.PathEscape(accountID)+"/posts", query, &envelope)
	if err != nil {
		// A throttle response is exactly when the local estimate has
		// drifted, so keep the parsed rate limit headers reachable.
		if headers != nil {
			return &core.FetchPage{Headers: headers}, err
		}
		return nil, err
	}

	posts := make([]core.Post, 0, len(envelope.Data))
	for _, payload := range envelope.Data {
		post := core.Post{
			ID:        payload.ID,
			AccountID: payload.AccountID,
			Handle:    payload.Handle,
			Text:      payload.Text,
			PostedAt:  payload.PostedAt.UTC(),
		}
		if post.AccountID == "" {
			post.AccountID = accountID
		}
		posts = append(posts, post)
	}

	oldest := envelope.Meta.OldestID
	if oldest == "" && len(posts) > 0 {
		oldest = posts[len(posts)-1].ID
	}

	return &core.FetchPage{Posts: posts, OldestID: oldest, Headers: headers}, nil
}

// getJSON performs one GET, decodes the body, and maps provider statuses to
// the error taxonomy.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) (*core.QuotaHeaders, error) {
	if c == nil {
		return nil, errors.New("provider client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := c.resolve(path, query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	c.decorate(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	headers := parseQuotaHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return headers, core.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return headers, fmt.Errorf("%s: %w", endpoint, core.ErrThrottled)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return headers, fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return headers, fmt.Errorf("decode provider response: %w", err)
		}
	}
	return headers, nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return "", errors.New("provider base url is required")
	}
	endpoint := base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint, nil
}

func (c *Client) decorate(req *http.Request) {
	if token := strings.TrimSpace(c.BearerToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	agent := c.UserAgent
	if agent == "" {
		agent = "pulsefeed"
	}
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) httpClient() *http.Client {
	if c != nil && c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// parseQuotaHeaders extracts provider-reported rate limit metadata. Missing
// headers leave the zero value, which the tracker ignores.
func parseQuotaHeaders(header http.Header) *core.QuotaHeaders {
	limit, limitErr := strconv.Atoi(header.Get("x-rate-limit-limit"))
	remaining, remErr := strconv.Atoi(header.Get("x-rate-limit-remaining"))
	if limitErr != nil && remErr != nil {
		return nil
	}

	headers := &core.QuotaHeaders{Remaining: -1}
	if limitErr == nil {
		headers.Limit = limit
	}
	if remErr == nil {
		headers.Remaining = remaining
	}
	if reset, err := strconv.ParseInt(header.Get("x-rate-limit-reset"), 10, 64); err == nil {
		headers.ResetAt = time.Unix(reset, 0).UTC()
	}
	return headers
}

var _ engine.Provider = (*Client)(nil)
