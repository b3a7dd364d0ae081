package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/channelgate/gateway/internal/clock"
	"github.com/google/uuid"
)

// MemoryStore implements Store in-process; intended for tests, local dev,
// and single-process deployments. Production multi-replica deployments
// should back Store with a shared backend instead (e.g. Redis, etcd, DynamoDB).
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	locks map[string]memoryLock
	clock clock.Clock
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore returns a ready to use in-memory Store using the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.Real{})
}

// NewMemoryStoreWithClock returns a Store driven by an injectable clock, for
// deterministic TTL/expiry tests.
func NewMemoryStoreWithClock(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		locks: make(map[string]memoryLock),
		clock: c,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if s.expiredLocked(item.expiresAt) {
		delete(s.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return false, nil
	}
	if s.expiredLocked(item.expiresAt) {
		delete(s.items, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	keys := make([]string, 0, len(s.items))
	for k, item := range s.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryStore) WithLock(ctx context.Context, key string, opts LockOptions, fn func(context.Context) error) (bool, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Second
	}
	token := uuid.NewString()
	now := s.clock.Now()

	s.mu.Lock()
	if existing, ok := s.locks[key]; ok && !s.expiredLocked(existing.expiresAt) {
		s.mu.Unlock()
		if opts.OnBusy == OnBusySkip {
			return false, nil
		}
		return false, ErrLockBusy
	}
	s.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if cur, ok := s.locks[key]; ok && cur.token == token {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (s *MemoryStore) expiredLocked(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !s.clock.Now().Before(expiresAt)
}
