package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/storage"
	"github.com/louisbranch/storyloom/internal/services/story/storage/memory"
)

func newArchive(t *testing.T) (*storage.Archive, *memory.Store) {
	t.Helper()
	store := memory.New()
	a, err := storage.NewArchive(store, "cellar")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, store
}

func sealed(t *testing.T, tick uint64, prev string) event.Patch {
	t.Helper()
	p := event.Patch{
		GraphID: "cellar",
		Tick:    tick,
		Seed:    int64(tick) * 7,
		Events: []event.Event{{
			Seq:       1,
			Op:        event.OpUpdate,
			Entity:    event.EntityGraph,
			Attribute: graph.FieldStep,
			After:     []byte(`{"b":1,"a":[1.5,2]}`),
		}},
		StateHash: "state",
	}
	if err := p.Seal(prev); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return p
}

func TestNewArchiveValidates(t *testing.T) {
	if _, err := storage.NewArchive(nil, "cellar"); !errors.Is(err, storage.ErrStoreRequired) {
		t.Fatalf("err = %v, want %v", err, storage.ErrStoreRequired)
	}
	if _, err := storage.NewArchive(memory.New(), " "); !errors.Is(err, storage.ErrGraphIDRequired) {
		t.Fatalf("err = %v, want %v", err, storage.ErrGraphIDRequired)
	}
}

func TestArchiveSnapshotRoundTrip(t *testing.T) {
	a, store := newArchive(t)
	ctx := context.Background()
	g := graph.New("cellar", "The Cellar")
	if err := a.SaveSnapshot(ctx, g.Snapshot()); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if ok, _ := store.Contains(ctx, storage.SnapshotKey("cellar")); !ok {
		t.Fatal("expected snapshot under its key")
	}
	s, err := a.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	restored, err := graph.Restore(s)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	want, _ := g.Hash()
	if got, _ := restored.Hash(); got != want {
		t.Fatalf("hash = %s, want %s", got, want)
	}
	if err := a.SaveSnapshot(ctx, graph.New("other", "").Snapshot()); err == nil {
		t.Fatal("expected foreign snapshot to be rejected")
	}
}

func TestArchivePatchesKeepTheChain(t *testing.T) {
	a, _ := newArchive(t)
	ctx := context.Background()
	if head, err := a.Head(ctx); err != nil || head.Tick != 0 {
		t.Fatalf("empty head = %+v, %v", head, err)
	}

	first := sealed(t, 1, "")
	second := sealed(t, 2, first.Hash)
	for _, p := range []event.Patch{first, second} {
		if err := a.SavePatch(ctx, p); err != nil {
			t.Fatalf("save patch %d: %v", p.Tick, err)
		}
	}
	head, err := a.Head(ctx)
	if err != nil || head.Tick != 2 || head.Hash != second.Hash {
		t.Fatalf("head = %+v, %v", head, err)
	}

	patches, err := a.Patches(ctx, 0)
	if err != nil {
		t.Fatalf("patches: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("patches = %d, want 2", len(patches))
	}
	prev := ""
	for _, p := range patches {
		if err := p.VerifyChain(prev); err != nil {
			t.Fatalf("decoded patch fails chain: %v", err)
		}
		prev = p.Hash
	}
	if later, _ := a.Patches(ctx, 1); len(later) != 1 || later[0].Tick != 2 {
		t.Fatalf("patches after 1 = %+v", later)
	}
}

func TestArchivePatchesReportsMissingTick(t *testing.T) {
	a, store := newArchive(t)
	ctx := context.Background()
	first := sealed(t, 1, "")
	second := sealed(t, 2, first.Hash)
	for _, p := range []event.Patch{first, second} {
		if err := a.SavePatch(ctx, p); err != nil {
			t.Fatalf("save patch %d: %v", p.Tick, err)
		}
	}

	holed := memory.New()
	for _, key := range []string{storage.HeadKey("cellar"), storage.PatchKey("cellar", 2)} {
		data, err := store.Load(ctx, key)
		if err != nil {
			t.Fatalf("load %s: %v", key, err)
		}
		if err := holed.Save(ctx, key, data); err != nil {
			t.Fatalf("save %s: %v", key, err)
		}
	}
	b, err := storage.NewArchive(holed, "cellar")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	patches, err := b.Patches(ctx, 0)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, storage.ErrNotFound)
	}
	if patches != nil {
		t.Fatalf("patches = %+v, want none", patches)
	}
	if !strings.Contains(err.Error(), "patch 1") {
		t.Fatalf("err = %q, want it to name patch 1", err)
	}
}

func TestArchiveRejectsForks(t *testing.T) {
	a, _ := newArchive(t)
	ctx := context.Background()
	first := sealed(t, 1, "")
	if err := a.SavePatch(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, p := range []event.Patch{sealed(t, 3, first.Hash), sealed(t, 2, "fork")} {
		if err := a.SavePatch(ctx, p); !errors.Is(err, storage.ErrPatchConflict) {
			t.Fatalf("save tick %d: err = %v, want %v", p.Tick, err, storage.ErrPatchConflict)
		}
	}
}

func TestPatchKeysSortByTick(t *testing.T) {
	if a, b := storage.PatchKey("g", 9), storage.PatchKey("g", 10); a >= b {
		t.Fatalf("%s sorts after %s", a, b)
	}
}
