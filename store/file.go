package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps every key in a single JSON document on disk. The document is
// re-read on each access so writes from other processes are always observed;
// writes go through a temp file and rename so readers never see a torn file.
type FileStore struct {
	path   string
	mutex  sync.Mutex
	closed bool
}

// NewFileStore creates a file-backed store at path, creating parent
// directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: %w", ErrEmptyKey)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get retrieves a value by key
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := doc[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stores a value
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[key] = value
	return s.save(doc)
}

// Delete removes a value
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.save(doc)
}

// Close marks the store closed
func (s *FileStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

// Watch reports keys whose value changed on disk, whichever process wrote them.
func (s *FileStore) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Renames replace the inode, so the directory is watched rather than the file.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	s.mutex.Lock()
	previous, err := s.load()
	s.mutex.Unlock()
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	changes := make(chan string, 16)
	go func() {
		defer close(changes)
		defer watcher.Close()

		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				s.mutex.Lock()
				current, err := s.load()
				s.mutex.Unlock()
				if err != nil {
					continue
				}
				for _, key := range diffKeys(previous, current) {
					select {
					case changes <- key:
					case <-ctx.Done():
						return
					}
				}
				previous = current
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return changes, nil
}

func (s *FileStore) load() (map[string][]byte, error) {
	doc := make(map[string][]byte)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *FileStore) save(doc map[string][]byte) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func diffKeys(before, after map[string][]byte) []string {
	var keys []string
	for key, value := range after {
		if old, ok := before[key]; !ok || !bytes.Equal(old, value) {
			keys = append(keys, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			keys = append(keys, key)
		}
	}
	return keys
}
