package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/pkg/types"
)

// Cache fronts a Store with singleflight fill semantics: when several
// requests miss on the same key concurrently, exactly one executes the fill
// and the rest share its result. Lookup failures degrade to a miss; the
// cache never takes a request down with it.
type Cache struct {
	store  Store
	flight singleflight.Group
	log    *logging.Logger
}

// New wraps a store.
func New(store Store) *Cache {
	return &Cache{
		store: store,
		log:   logging.Global().WithComponent("Cache"),
	}
}

// Lookup probes the store. Backend errors are logged and reported as misses.
func (c *Cache) Lookup(ctx context.Context, key string) (*types.CacheEntry, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("[Cache] lookup failed for %s: %v", key, err)
		return nil, false
	}
	return entry, ok
}

// FillResult is what a fill function produces alongside the response text.
type FillResult struct {
	Entry  *types.CacheEntry
	Shared bool
}

// GetOrFill returns the cached entry for key, or runs fill under singleflight
// and returns its result. Shared=true means this caller piggybacked on a fill
// started by another request. The fill's entry is NOT stored here; writing
// back is the post-call pipeline's job, so error responses and oversized
// entries never enter the cache.
func (c *Cache) GetOrFill(ctx context.Context, key string, fill func(ctx context.Context) (*types.CacheEntry, error)) (*FillResult, error) {
	if entry, ok := c.Lookup(ctx, key); ok {
		return &FillResult{Entry: entry}, nil
	}

	v, err, shared := c.flight.Do(key, func() (interface{}, error) {
		// Re-check under the flight lock: another caller may have completed
		// a fill and written through while we queued.
		if entry, ok := c.Lookup(ctx, key); ok {
			return entry, nil
		}
		return fill(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &FillResult{Entry: v.(*types.CacheEntry), Shared: shared}, nil
}

// WriteThrough stores a successful response, enforcing the entry size cap.
// Returns whether the entry was actually written.
func (c *Cache) WriteThrough(ctx context.Context, entry *types.CacheEntry, ttl time.Duration, maxBytes int) bool {
	if entry == nil || entry.Key == "" || entry.Text == "" {
		return false
	}
	if maxBytes > 0 && len(entry.Text) > maxBytes {
		c.log.Debug("[Cache] entry for %s exceeds %d bytes, skipping", entry.Key, maxBytes)
		return false
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := c.store.Set(ctx, entry, ttl); err != nil {
		c.log.Warn("[Cache] write-through failed for %s: %v", entry.Key, err)
		return false
	}
	return true
}

// Len reports the live entry count for status output.
func (c *Cache) Len(ctx context.Context) int {
	n, err := c.store.Len(ctx)
	if err != nil {
		return -1
	}
	return n
}
