// Package redis provides a Redis-backed story Store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/storyloom/internal/services/story/storage"
)

// Store keeps each record as one string value under a namespaced key.
type Store struct {
	rdb       *redis.Client
	namespace string
}

// New creates a store whose keys are prefixed with namespace.
func New(opts *redis.Options, namespace string) (*Store, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options are required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	return &Store{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Save writes one record.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return storage.ErrKeyRequired
	}
	if err := s.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("save record %s: %w", key, err)
	}
	return nil
}

// Load fetches one record.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	value, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", key, err)
	}
	return value, nil
}

// Contains reports whether key is stored.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check record %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) key(key string) string {
	return "storyloom:" + s.namespace + ":" + key
}
