package kv

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and single-process use.
type MemStore struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]memItem)}
}

func (s *MemStore) get(key string) ([]byte, bool) {
	item, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(s.items, key)
		return nil, false
	}
	return item.value, true
}

func (s *MemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = time.Now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

func (s *MemStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.get(key); ok {
		return false, nil
	}
	item := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = time.Now().Add(ttl)
	}
	s.items[key] = item
	return true, nil
}

func (s *MemStore) Close() error { return nil }

// Ensure MemStore implements Store.
var _ Store = (*MemStore)(nil)
