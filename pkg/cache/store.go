package cache

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCacheMiss indicates the requested key was not found.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the shared response cache consulted by proxy sessions.
//
// Get returns ErrCacheMiss when no entry exists for the key; it does
// not judge freshness, so callers receive stale entries and decide
// with Entry.Fresh. Set stores or overwrites an entry, including
// TTL-0 entries, which are recorded for statistics but never fresh.
// Returned entries must not be mutated.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Set(ctx context.Context, key Key, entry *Entry) error
	Len(ctx context.Context) (int64, error)
}

// MemoryStore is the default in-process Store: a flat map guarded by a
// mutex. It is unbounded and never deletes entries; stale entries are
// bypassed in place and overwritten on the next successful refetch.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Get retrieves an entry by key.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key.String()]
	if !ok {
		Misses.Inc()
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// Set stores or overwrites an entry. Concurrent inserts for the same
// key are allowed; last insert wins.
func (s *MemoryStore) Set(_ context.Context, key Key, entry *Entry) error {
	if entry == nil || entry.Response == nil {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	s.entries[key.String()] = entry
	s.mu.Unlock()

	Insertions.WithLabelValues("memory").Inc()
	return nil
}

// Len returns the number of stored entries, fresh and stale alike.
func (s *MemoryStore) Len(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}
