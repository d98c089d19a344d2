package cache

import (
	"context"
	"sync"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/usecase"
)

// MemoryIdempotencyStore is the single-process stand-in for the Redis store.
// Entries never expire.
type MemoryIdempotencyStore struct {
	mu     sync.Mutex
	locks  map[string]struct{}
	values map[string]string
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		locks:  make(map[string]struct{}),
		values: make(map[string]string),
	}
}

func (s *MemoryIdempotencyStore) TryLock(_ context.Context, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(scope, key)
	if _, held := s.locks[k]; held {
		return false, nil
	}
	s.locks[k] = struct{}{}
	return true, nil
}

func (s *MemoryIdempotencyStore) Unlock(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey(scope, key))
	return nil
}

func (s *MemoryIdempotencyStore) Remember(_ context.Context, scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[mapKey(scope, key)] = value
	return nil
}

func (s *MemoryIdempotencyStore) Recall(_ context.Context, scope, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[mapKey(scope, key)]
	return v, ok, nil
}

type MemoryCache struct {
	mu       sync.Mutex
	statuses map[string]string
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{statuses: make(map[string]string)} }

// SetStatus never moves a cached status backwards.
func (c *MemoryCache) SetStatus(_ context.Context, orderID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.statuses[orderID]; ok && !replaces(domain.Status(cur), domain.Status(status)) {
		return nil
	}
	c.statuses[orderID] = status
	return nil
}

func replaces(cur, next domain.Status) bool {
	return cur == next || domain.CanTransition(cur, next)
}

func (c *MemoryCache) GetStatus(_ context.Context, orderID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[orderID]
	return s, ok, nil
}

var (
	_ usecase.IdempotencyStore = (*MemoryIdempotencyStore)(nil)
	_ usecase.StatusCache      = (*MemoryCache)(nil)
)
