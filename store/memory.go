package store

import (
	"context"
	"sync"
)

// MemoryStore implements Store in process memory. It does not survive restarts
// and is intended for tests and single-process hosts.
type MemoryStore struct {
	items  map[string][]byte
	mutex  sync.RWMutex
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string][]byte),
	}
}

// Get retrieves a value by key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	value, exists := s.items[key]
	if !exists {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores a value
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.items[key] = stored
	return nil
}

// Delete removes a value
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.items, key)
	return nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}
