// Package storagetest holds the behavior every storage backend must share.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/storyloom/internal/services/story/storage"
)

// Run exercises store against the Store contract.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		if _, err := store.Load(ctx, "story/missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("load err = %v, want %v", err, storage.ErrNotFound)
		}
		ok, err := store.Contains(ctx, "story/missing")
		if err != nil || ok {
			t.Fatalf("contains = %v, %v, want false", ok, err)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		if err := store.Save(ctx, "story/a", []byte("first")); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := store.Save(ctx, "story/a", []byte("second")); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		got, err := store.Load(ctx, "story/a")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !bytes.Equal(got, []byte("second")) {
			t.Fatalf("value = %q, want second", got)
		}
		ok, err := store.Contains(ctx, "story/a")
		if err != nil || !ok {
			t.Fatalf("contains = %v, %v, want true", ok, err)
		}
	})

	t.Run("binary values", func(t *testing.T) {
		value := []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00, 0xff}
		if err := store.Save(ctx, "story/bin", value); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := store.Load(ctx, "story/bin")
		if err != nil || !bytes.Equal(got, value) {
			t.Fatalf("load = %x, %v, want %x", got, err, value)
		}
	})

	t.Run("empty key", func(t *testing.T) {
		if err := store.Save(ctx, " ", []byte("x")); !errors.Is(err, storage.ErrKeyRequired) {
			t.Fatalf("save err = %v, want %v", err, storage.ErrKeyRequired)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		if err := store.Save(canceled, "story/c", []byte("x")); err == nil {
			t.Fatal("expected canceled save to fail")
		}
	})
}
