package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// FreshnessCache keeps the most recent fetch result per account so that a
// still-fresh account never triggers a duplicate near-real-time fetch.
// Entries are pruned on write, keeping reads O(1).
type FreshnessCache struct {
	// TTL is how long a fetch result counts as fresh.
	TTL time.Duration
	// Retention bounds cached items by their own timestamps.
	Retention time.Duration
	// MaxItems caps the number of posts kept per account.
	MaxItems int
	Clock    func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	posts     []core.Post
	fetchedAt time.Time
}

const (
	defaultCacheTTL       = 60 * time.Second
	defaultCacheRetention = 24 * time.Hour
	defaultCacheMaxItems  = 50
)

// Get returns the cached posts for an account if the entry is within TTL.
// A stale entry reports a miss but is left in place for the next Put.
func (c *FreshnessCache) Get(accountKey string) ([]core.Post, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[accountKey]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) >= c.ttl() {
		return nil, false
	}

	posts := make([]core.Post, len(entry.posts))
	copy(posts, entry.posts)
	return posts, true
}

// Put stores a fetch result: items outside the retention window are dropped,
// the rest sorted newest first and truncated to the item cap.
func (c *FreshnessCache) Put(accountKey string, posts []core.Post) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		c.entries = make(map[string]*cacheEntry)
	}
	c.entries[accountKey] = &cacheEntry{
		posts:     c.normalize(posts),
		fetchedAt: c.now(),
	}
}

// Merge inserts a single out-of-band item (a push event) if its id is not
// already present. The merged state counts as fresh. Reports whether the
// item was new.
func (c *FreshnessCache) Merge(accountKey string, post core.Post) bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		c.entries = make(map[string]*cacheEntry)
	}

	entry, ok := c.entries[accountKey]
	if !ok {
		c.entries[accountKey] = &cacheEntry{
			posts:     c.normalize([]core.Post{post}),
			fetchedAt: c.now(),
		}
		return true
	}

	for _, existing := range entry.posts {
		if existing.ID == post.ID {
			return false
		}
	}

	entry.posts = c.normalize(append(entry.posts, post))
	entry.fetchedAt = c.now()
	return true
}

// Sweep removes entries whose last fetch is older than twice the TTL,
// bounding memory for accounts no longer actively polled.
func (c *FreshnessCache) Sweep() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-2 * c.ttl())
	for key, entry := range c.entries {
		if entry.fetchedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of resident entries.
func (c *FreshnessCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *FreshnessCache) normalize(posts []core.Post) []core.Post {
	cutoff := c.now().Add(-c.retention())

	kept := make([]core.Post, 0, len(posts))
	for _, post := range posts {
		if post.PostedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, post)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].PostedAt.After(kept[j].PostedAt)
	})

	if max := c.maxItems(); len(kept) > max {
		kept = kept[:max]
	}
	return kept
}

func (c *FreshnessCache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return defaultCacheTTL
}

func (c *FreshnessCache) retention() time.Duration {
	if c.Retention > 0 {
		return c.Retention
	}
	return defaultCacheRetention
}

func (c *FreshnessCache) maxItems() int {
	if c.MaxItems > 0 {
		return c.MaxItems
	}
	return defaultCacheMaxItems
}

func (c *FreshnessCache) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
