// Package store provides the persistent key-value storage used by the host for
// OAuth tokens and module configuration. Every engine survives process restarts
// (except MemoryStore) and is visible to all execution contexts on the host.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Store errors
var (
	ErrNotFound    = errors.New("key not found")
	ErrEmptyKey    = errors.New("key cannot be empty")
	ErrStoreClosed = errors.New("store is closed")
)

// Store is a key-value storage area shared by every execution context.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Watcher is implemented by stores that can report writes made by other
// processes. The returned channel yields changed keys and is closed when ctx
// is cancelled.
type Watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}

// GetJSON reads key and decodes it into target.
func GetJSON(ctx context.Context, s Store, key string, target any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes value as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
