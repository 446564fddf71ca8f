package memory

import (
	"context"
	"testing"

	"github.com/louisbranch/storyloom/internal/services/story/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, New())
}

func TestLoadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Save(ctx, "k", []byte("abc")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := s.Load(ctx, "k")
	got[0] = 'z'
	again, _ := s.Load(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("value = %q, want abc", again)
	}
}
