package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis, for deployments where several
// proxy processes should share one cache. Entries are stored without a
// Redis-side expiry: freshness is computed from the entry fields, the
// same as with the in-memory store, so stale entries stay in place
// until overwritten.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{rdb: rdb}
}

// Get retrieves an entry by key.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := s.rdb.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			Misses.Inc()
			return nil, ErrCacheMiss
		}
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Set stores or overwrites an entry.
func (s *RedisStore) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil || entry.Response == nil {
		return ErrInvalidEntry
	}

	data, err := json.Marshal(entry)
	if err != nil {
		Errors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.rdb.Set(ctx, key.String(), data, 0).Err(); err != nil {
		Errors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	Insertions.WithLabelValues("redis").Inc()
	return nil
}

// Len returns the number of keys in the backing database.
func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis dbsize: %w", err)
	}
	return n, nil
}
