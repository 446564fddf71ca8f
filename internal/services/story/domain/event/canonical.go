package event

import (
	"bytes"
	"fmt"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/encoding"
)

type entityRef struct {
	entity Entity
	target string
}

// lifecycle summarizes the whole-entity events (creates, deletes and
// replacements) of one entity within a tick.
type lifecycle struct {
	first Op
	last  int
	ops   int
}

// Canonicalize collapses a tick's raw events into the minimal ordered set
// that reproduces the same final state.
//
// The last write per (entity, target, attribute) wins and keeps the position
// of the first write to that slot. A whole-entity write is emitted once, at
// the position of its last occurrence, and supersedes attribute writes made
// before it. Entities that start the tick absent and end it deleted disappear
// entirely. Sequence numbers are reassigned from one.
func Canonicalize(events []Event) []Event {
	lives := make(map[entityRef]*lifecycle)
	for i, e := range events {
		if !wholeEntity(e) {
			continue
		}
		ref := entityRef{entity: e.Entity, target: e.Target}
		l, ok := lives[ref]
		if !ok {
			l = &lifecycle{first: e.Op}
			lives[ref] = l
		}
		l.last = i
		l.ops++
	}

	out := make([]Event, 0, len(events))
	index := make(map[Key]int, len(events))
	for i, e := range events {
		ref := entityRef{entity: e.Entity, target: e.Target}
		l, tracked := lives[ref]
		if tracked {
			lastOp := events[l.last].Op
			if l.first == OpCreate && lastOp == OpDelete {
				continue
			}
			if i < l.last {
				// Superseded by the entity's final create, delete or replacement.
				continue
			}
			if i == l.last && l.ops > 1 {
				e.Op = netOp(l.first, lastOp)
				e.Before = events[firstWhole(events, ref)].Before
			}
		}
		key := e.Key()
		idx, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, e)
			continue
		}
		merged := out[idx]
		switch {
		case merged.Op == OpCreate && e.Op == OpUpdate:
		default:
			merged.Op = e.Op
		}
		merged.After = e.After
		merged.Source = e.Source
		merged.Error = e.Error
		out[idx] = merged
	}
	for i := range out {
		out[i].Seq = uint64(i + 1)
	}
	return out
}

func wholeEntity(e Event) bool {
	if e.Attribute != "" || (e.Entity != EntityNode && e.Entity != EntityEdge) {
		return false
	}
	return e.Op == OpCreate || e.Op == OpDelete || e.Op == OpUpdate
}

func firstWhole(events []Event, ref entityRef) int {
	for i, e := range events {
		if wholeEntity(e) && e.Entity == ref.entity && e.Target == ref.target {
			return i
		}
	}
	return 0
}

// netOp is the single whole-entity operation equivalent to a tick that began
// with first and ended with last.
func netOp(first, last Op) Op {
	switch {
	case first == OpCreate:
		return OpCreate
	case last == OpDelete:
		return OpDelete
	default:
		// The entity existed before the tick and exists after it.
		return OpUpdate
	}
}

// Seal fills the patch chain hash from prev and the patch content.
func (p *Patch) Seal(prev string) error {
	p.PrevHash = prev
	digest, err := p.contentDigest()
	if err != nil {
		return err
	}
	p.Hash = encoding.ChainDigest(prev, digest)
	return nil
}

// VerifyChain reports whether the patch hash covers its content and prev.
func (p Patch) VerifyChain(prev string) error {
	if p.PrevHash != prev {
		return fmt.Errorf("patch %d: prev hash %q, want %q", p.Tick, p.PrevHash, prev)
	}
	digest, err := p.contentDigest()
	if err != nil {
		return err
	}
	if want := encoding.ChainDigest(prev, digest); p.Hash != want {
		return fmt.Errorf("patch %d: hash %q, want %q", p.Tick, p.Hash, want)
	}
	return nil
}

func (p Patch) contentDigest() (string, error) {
	content := p
	content.Hash = ""
	content.PrevHash = ""
	digest, err := encoding.Digest(content)
	if err != nil {
		return "", fmt.Errorf("digest patch %d: %w", p.Tick, err)
	}
	return digest, nil
}

// Changed reports whether an event leaves its slot different from before.
func (e Event) Changed() bool {
	if e.Op != OpUpdate {
		return true
	}
	return !bytes.Equal(e.Before, e.After)
}
