package core

import "time"

// Endpoint identifies a provider API endpoint for quota accounting.
type Endpoint string

const (
	EndpointLookup Endpoint = "accounts.lookup"
	EndpointPosts  Endpoint = "posts.fetch"
	EndpointStream Endpoint = "stream.connect"
	EndpointRules  Endpoint = "stream.rules"
)

// Account is a tracked account on the provider.
type Account struct {
	ID          string `json:"id" yaml:"id"`
	Handle      string `json:"handle" yaml:"handle"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// Post is a single ingested item attributed to an account.
type Post struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Handle    string    `json:"handle,omitempty"`
	Text      string    `json:"text"`
	PostedAt  time.Time `json:"posted_at"`
}

// QuotaHeaders carries provider-reported rate limit metadata from a pull
// response. Provider values override the locally estimated window counts.
type QuotaHeaders struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// FetchOptions bounds a post fetch by cursors.
type FetchOptions struct {
	SinceID    string
	UntilID    string
	MaxResults int
}

// FetchPage is one page of posts returned by the provider, newest first.
type FetchPage struct {
	Posts    []Post
	OldestID string
	Headers  *QuotaHeaders
}

// QuotaWindow is one fixed-length counting window for an endpoint, with an
// optional per-account key. Count never exceeds Limit at admission time.
type QuotaWindow struct {
	Endpoint    Endpoint
	AccountKey  string
	WindowStart time.Time
	Count       int
	Limit       int
}

// BackfillProgress tracks the pagination cursor for one account's historical
// walk. Completed accounts are skipped until the coordinator resets the cycle.
type BackfillProgress struct {
	AccountID string
	Cursor    string
	Completed bool
}
