package cache

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/relay/pkg/types"
)

// Store is the persistence surface behind the cache. Implementations must be
// safe for concurrent use. A miss is (nil, false, nil); errors are reserved
// for backend failures.
type Store interface {
	Get(ctx context.Context, key string) (*types.CacheEntry, bool, error)
	Set(ctx context.Context, entry *types.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY STORE
// ═══════════════════════════════════════════════════════════════════════════════

type memoryItem struct {
	entry     types.CacheEntry
	expiresAt time.Time
}

// MemoryStore is the default single-process store: a mutex-guarded map with
// TTL expiry and a hard entry cap. Eviction removes the oldest entry, which
// is good enough at this size; an LRU would not change observable behavior.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]memoryItem
	maxEntries int
	now        func() time.Time
}

// NewMemoryStore creates a bounded in-memory store.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryStore{
		items:      make(map[string]memoryItem),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a live entry, expiring lazily.
func (m *MemoryStore) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(item.expiresAt) {
		delete(m.items, key)
		return nil, false, nil
	}
	entry := item.entry
	return &entry, true, nil
}

// Set stores an entry, evicting the oldest when the cap is reached.
func (m *MemoryStore) Set(ctx context.Context, entry *types.CacheEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) >= m.maxEntries {
		if _, exists := m.items[entry.Key]; !exists {
			m.evictOldestLocked()
		}
	}
	m.items[entry.Key] = memoryItem{entry: *entry, expiresAt: m.now().Add(ttl)}
	return nil
}

// Delete removes an entry.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len counts live entries.
func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, item := range m.items {
		if oldestKey == "" || item.entry.CreatedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = item.entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(m.items, oldestKey)
	}
}
