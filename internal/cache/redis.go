package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/normanking/relay/pkg/types"
)

// keyPrefix namespaces relay entries in a shared Redis instance.
const keyPrefix = "relay:cache:"

// RedisStore persists cache entries in Redis as JSON with server-side TTL.
// Selected when the deployment runs more than one relay instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get fetches and decodes an entry; redis.Nil reads as a plain miss.
func (r *RedisStore) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Corrupt entry: drop it rather than fail every future lookup.
		r.client.Del(ctx, keyPrefix+key)
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set encodes and stores an entry with the given TTL.
func (r *RedisStore) Set(ctx context.Context, entry *types.CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyPrefix+entry.Key, raw, ttl).Err()
}

// Delete removes an entry.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

// Len counts relay entries. Linear in keyspace; used only by status reporting.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 512).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}
