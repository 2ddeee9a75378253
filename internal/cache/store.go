package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMiss is returned when no unexpired snapshot exists for a key.
var ErrMiss = errors.New("cache miss")

// Store is the durable key-value backend behind the Layer. Values are
// opaque bytes that expire after ttl.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists every unexpired key.
	Keys(ctx context.Context) ([]string, error)
	// DeleteExpired drops expired values for backends without native TTL.
	DeleteExpired(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore keeps values in process. Used in tests and single-process
// development.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memValue
	now    func() time.Time
}

type memValue struct {
	data      []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]memValue), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(v.expiresAt) {
		return nil, ErrMiss
	}
	return append([]byte(nil), v.data...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.values[key] = memValue{data: append([]byte(nil), value...), expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k, v := range s.values {
		if now.Before(v.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.values {
		if !now.Before(v.expiresAt) {
			delete(s.values, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
