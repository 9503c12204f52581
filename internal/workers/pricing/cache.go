package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spediresicuro/anne/internal/agent"
)

// DefaultMaxEntries bounds the quote cache.
const DefaultMaxEntries = 1000

type cacheEntry struct {
	options []agent.PricingOption
	expires time.Time
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size   int
	Hits   int
	Misses int
}

// CachedQuoter memoizes quotes per workspace, destination and weight.
type CachedQuoter struct {
	next       Quoter
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int
	misses  int
}

// NewCachedQuoter wraps next. A non-positive ttl disables caching.
func NewCachedQuoter(next Quoter, ttl time.Duration) *CachedQuoter {
	return &CachedQuoter{
		next:       next,
		ttl:        ttl,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
	}
}

func cacheKey(req Request) string {
	return fmt.Sprintf("%s|%s|%s|%.3f|%.0fx%.0fx%.0f",
		req.WorkspaceID, req.PostalCode, req.Province, req.WeightKg,
		req.LengthCm, req.WidthCm, req.HeightCm)
}

func (c *CachedQuoter) Quote(ctx context.Context, req Request) ([]agent.PricingOption, error) {
	if c.ttl <= 0 {
		return c.next.Quote(ctx, req)
	}
	key := cacheKey(req)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.hits++
		c.mu.Unlock()
		return cloneOptions(e.options), nil
	}
	c.misses++
	c.mu.Unlock()

	options, err := c.next.Quote(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{options: cloneOptions(options), expires: now.Add(c.ttl)}
	return options, nil
}

// evictLocked drops expired entries, then the one closest to expiry if
// the cache is still full.
func (c *CachedQuoter) evictLocked(now time.Time) {
	var oldest string
	var oldestAt time.Time
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if oldest == "" || e.expires.Before(oldestAt) {
			oldest, oldestAt = k, e.expires
		}
	}
	if len(c.entries) >= c.maxEntries && oldest != "" {
		delete(c.entries, oldest)
	}
}

// InvalidateWorkspace drops every cached quote of a workspace.
func (c *CachedQuoter) InvalidateWorkspace(workspaceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := workspaceID + "|"
	n := 0
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Purge removes expired entries and returns how many went.
func (c *CachedQuoter) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *CachedQuoter) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}

func cloneOptions(in []agent.PricingOption) []agent.PricingOption {
	if in == nil {
		return nil
	}
	return append([]agent.PricingOption(nil), in...)
}
