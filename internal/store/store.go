package store

import (
	"context"
	"sync"
	"time"
)

// Store keeps authentication state that may be shared between relay
// instances: failed login counters and revoked token ids. Sessions are never
// stored here.
type Store interface {
	Failures(ctx context.Context, key string) (int64, error)
	RecordFailure(ctx context.Context, key string, window time.Duration) (int64, error)
	ClearFailures(ctx context.Context, key string) error
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type failureCounter struct {
	count    int64
	expireAt time.Time
}

type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	failures map[string]failureCounter
	revoked  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		failures: make(map[string]failureCounter),
		revoked:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) Failures(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.failures[key]
	if !ok || !m.now().Before(c.expireAt) {
		return 0, nil
	}
	return c.count, nil
}

// RecordFailure increments the counter for key. The window starts with the
// first failure and is not extended by later ones.
func (m *MemoryStore) RecordFailure(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.failures[key]
	if !ok || !now.Before(c.expireAt) {
		c = failureCounter{expireAt: now.Add(window)}
	}
	c.count++
	m.failures[key] = c
	return c.count, nil
}

func (m *MemoryStore) ClearFailures(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, key)
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.revoked[tokenID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expireAt, ok := m.revoked[tokenID]
	if !ok {
		return false, nil
	}
	return m.now().Before(expireAt), nil
}

func (m *MemoryStore) pruneLocked() {
	now := m.now()
	for id, expireAt := range m.revoked {
		if !now.Before(expireAt) {
			delete(m.revoked, id)
		}
	}
	for key, c := range m.failures {
		if !now.Before(c.expireAt) {
			delete(m.failures, key)
		}
	}
}
