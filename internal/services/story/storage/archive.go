package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/encoding"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

var (
	// ErrStoreRequired indicates an archive without a backend.
	ErrStoreRequired = errors.New("store is required")
	// ErrGraphIDRequired indicates an archive without a graph id.
	ErrGraphIDRequired = errors.New("graph id is required")
	// ErrPatchConflict indicates a patch that does not extend the archived head.
	ErrPatchConflict = errors.New("patch does not extend head")
)

// Head points at the last archived patch.
type Head struct {
	Tick uint64 `json:"tick"`
	Hash string `json:"hash"`
}

// Archive stores the history of one graph.
type Archive struct {
	store   Store
	graphID string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewArchive creates an archive for graphID over store.
func NewArchive(store Store, graphID string) (*Archive, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	graphID = strings.TrimSpace(graphID)
	if graphID == "" {
		return nil, ErrGraphIDRequired
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Archive{store: store, graphID: graphID, enc: enc, dec: dec}, nil
}

// Close releases the codec resources.
func (a *Archive) Close() error {
	a.dec.Close()
	return a.enc.Close()
}

// SnapshotKey addresses the snapshot of graphID.
func SnapshotKey(graphID string) string { return graphID + "/snapshot" }

// HeadKey addresses the head pointer of graphID.
func HeadKey(graphID string) string { return graphID + "/head" }

// PatchKey addresses the patch of one tick. Ticks are zero padded so keys sort
// in tick order.
func PatchKey(graphID string, tick uint64) string {
	return fmt.Sprintf("%s/patch/%020d", graphID, tick)
}

// SaveSnapshot stores the base state replay starts from.
func (a *Archive) SaveSnapshot(ctx context.Context, s graph.Snapshot) error {
	if s.ID != a.graphID {
		return fmt.Errorf("snapshot of %s saved to archive of %s", s.ID, a.graphID)
	}
	return a.put(ctx, SnapshotKey(a.graphID), s)
}

// LoadSnapshot returns the stored snapshot.
func (a *Archive) LoadSnapshot(ctx context.Context) (graph.Snapshot, error) {
	var s graph.Snapshot
	if err := a.get(ctx, SnapshotKey(a.graphID), &s); err != nil {
		return graph.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return s, nil
}

// Head returns the last archived patch pointer, zero when nothing is archived.
func (a *Archive) Head(ctx context.Context) (Head, error) {
	var h Head
	err := a.get(ctx, HeadKey(a.graphID), &h)
	if errors.Is(err, ErrNotFound) {
		return Head{}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("load head: %w", err)
	}
	return h, nil
}

// SavePatch appends p. It must extend the current head: next tick, chained on
// the head hash.
func (a *Archive) SavePatch(ctx context.Context, p event.Patch) error {
	if p.GraphID != a.graphID {
		return fmt.Errorf("%w: patch of %s saved to archive of %s", ErrPatchConflict, p.GraphID, a.graphID)
	}
	head, err := a.Head(ctx)
	if err != nil {
		return err
	}
	if head.Tick != 0 && (p.Tick != head.Tick+1 || p.PrevHash != head.Hash) {
		return fmt.Errorf("%w: tick %d after %d", ErrPatchConflict, p.Tick, head.Tick)
	}
	if err := a.put(ctx, PatchKey(a.graphID, p.Tick), p); err != nil {
		return fmt.Errorf("save patch %d: %w", p.Tick, err)
	}
	return a.put(ctx, HeadKey(a.graphID), Head{Tick: p.Tick, Hash: p.Hash})
}

// LoadPatch returns the patch of tick.
func (a *Archive) LoadPatch(ctx context.Context, tick uint64) (event.Patch, error) {
	var p event.Patch
	if err := a.get(ctx, PatchKey(a.graphID, tick), &p); err != nil {
		return event.Patch{}, fmt.Errorf("load patch %d: %w", tick, err)
	}
	return p, nil
}

// Patches returns the archived patches after tick from, in tick order.
func (a *Archive) Patches(ctx context.Context, from uint64) ([]event.Patch, error) {
	head, err := a.Head(ctx)
	if err != nil {
		return nil, err
	}
	var out []event.Patch
	for tick := from + 1; tick <= head.Tick; tick++ {
		ok, err := a.store.Contains(ctx, PatchKey(a.graphID, tick))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: patch %d missing below head %d", ErrNotFound, tick, head.Tick)
		}
		p, err := a.LoadPatch(ctx, tick)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *Archive) put(ctx context.Context, key string, v any) error {
	data, err := encoding.CanonicalJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return a.store.Save(ctx, key, a.enc.EncodeAll(data, nil))
}

func (a *Archive) get(ctx context.Context, key string, v any) error {
	compressed, err := a.store.Load(ctx, key)
	if err != nil {
		return err
	}
	data, err := a.dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
