// Package storage persists story snapshots and patches.
//
// Backends implement Store, a flat key/value port. Archive layers the story
// record layout on top: one snapshot per graph, one patch per tick and a head
// pointer, each encoded as canonical JSON compressed with zstd.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrKeyRequired indicates an empty record key.
	ErrKeyRequired = errors.New("key is required")
)

// Store is the persistence port implemented by every backend.
type Store interface {
	Save(ctx context.Context, key string, value []byte) error
	// Load returns ErrNotFound for a missing key.
	Load(ctx context.Context, key string) ([]byte, error)
	Contains(ctx context.Context, key string) (bool, error)
}
