package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileEntry struct {
	Reference string    `json:"payment_reference"`
	CreatedAt time.Time `json:"created_at"`
}

// FileStore persists pending references in a JSON file so they survive a
// restart of the storefront between redirect and return. Entries expire
// after the same TTL RedisStore gives its keys.
type FileStore struct {
	path    string
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]fileEntry
}

func NewFileStore(path string) (*FileStore, error) {
	return NewFileStoreWithTTL(path, defaultPendingTTL)
}

// NewFileStoreWithTTL opens path, dropping entries older than ttl. A zero
// ttl keeps entries until cleared.
func NewFileStoreWithTTL(path string, ttl time.Duration) (*FileStore, error) {
	return openFileStore(path, ttl, time.Now)
}

func openFileStore(path string, ttl time.Duration, now func() time.Time) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]fileEntry),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending payments file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("failed to parse pending payments file %s: %w", path, err)
		}
	}
	if s.prune() > 0 {
		if err := s.flush(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || s.expired(entry) {
		return "", false, nil
	}
	return entry.Reference, true, nil
}

func (s *FileStore) Put(ctx context.Context, key, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.entries[key]
	s.entries[key] = fileEntry{Reference: reference, CreatedAt: s.now().UTC()}
	if err := s.flush(); err != nil {
		if existed {
			s.entries[key] = previous
		} else {
			delete(s.entries, key)
		}
		return err
	}

	// Checkouts that never came back are dropped on the next write.
	if s.prune() > 0 {
		if err := s.flush(); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) expired(entry fileEntry) bool {
	return s.ttl > 0 && s.now().Sub(entry.CreatedAt) > s.ttl
}

func (s *FileStore) prune() int {
	removed := 0
	for key, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *FileStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.entries[key]
	if !ok {
		return nil
	}
	delete(s.entries, key)
	if err := s.flush(); err != nil {
		s.entries[key] = previous
		return err
	}
	return nil
}

// flush rewrites the file through a temp file and rename.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pending payments: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pending-payments-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write pending payments: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write pending payments: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace pending payments file: %w", err)
	}
	return nil
}
