// Package memory provides an in-process Store.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/louisbranch/storyloom/internal/services/story/storage"
)

// Store keeps records in a map.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string][]byte)}
}

// Save stores a copy of value under key.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return storage.ErrKeyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = slices.Clone(value)
	return nil
}

// Load returns a copy of the value under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(value), nil
}

// Contains reports whether key is stored.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok, nil
}
