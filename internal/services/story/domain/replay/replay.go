// Package replay rebuilds a graph from a snapshot and its patch history,
// verifying every patch on the way.
package replay

import (
	"encoding/json"
	"fmt"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/random"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/frame"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/journal"
)

// Check names a fidelity check.
type Check string

const (
	CheckTick      Check = "tick"
	CheckSeed      Check = "seed"
	CheckCursor    Check = "cursor"
	CheckChain     Check = "chain"
	CheckApply     Check = "apply"
	CheckStateHash Check = "state_hash"
)

// FidelityError reports a patch that does not reproduce the recorded run.
// Replay stops at the first one.
type FidelityError struct {
	Tick  uint64
	Check Check
	Want  string
	Got   string
	Err   error
}

func (e *FidelityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replay tick %d: %s: %v", e.Tick, e.Check, e.Err)
	}
	return fmt.Sprintf("replay tick %d: %s mismatch: want %s, got %s", e.Tick, e.Check, e.Want, e.Got)
}

func (e *FidelityError) Unwrap() error { return e.Err }

// Result is the replayed state.
type Result struct {
	Graph     *graph.Graph
	Hash      string
	Head      string
	Fragments []journal.Fragment
	// Externals holds recorded external results keyed by frame.ExternalKey.
	Externals map[string]event.ExternalResult
}

// Option configures a replay.
type Option func(*options)

type options struct {
	head string
}

// WithHead verifies the first patch against head instead of an empty chain,
// for snapshots taken mid-history.
func WithHead(head string) Option {
	return func(o *options) { o.head = head }
}

// Replay applies patches in order onto a graph restored from snapshot. It
// never calls handlers, scripts or externals.
func Replay(snapshot graph.Snapshot, patches []event.Patch, opts ...Option) (Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	g, err := graph.Restore(snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("restore snapshot: %w", err)
	}
	res := Result{Graph: g, Head: o.head, Externals: make(map[string]event.ExternalResult)}
	for _, p := range patches {
		if err := verifyBefore(g, res.Head, p); err != nil {
			return res, err
		}
		if err := event.Apply(g, p); err != nil {
			return res, &FidelityError{Tick: p.Tick, Check: CheckApply, Err: err}
		}
		hash, err := g.Hash()
		if err != nil {
			return res, fmt.Errorf("hash after tick %d: %w", p.Tick, err)
		}
		if hash != p.StateHash {
			return res, &FidelityError{Tick: p.Tick, Check: CheckStateHash, Want: p.StateHash, Got: hash}
		}
		if err := collect(&res, p); err != nil {
			return res, err
		}
		res.Head = p.Hash
	}
	res.Hash, err = g.Hash()
	if err != nil {
		return res, fmt.Errorf("hash replayed graph: %w", err)
	}
	return res, nil
}

func verifyBefore(g *graph.Graph, head string, p event.Patch) error {
	if want := g.Step() + 1; p.Tick != want {
		return &FidelityError{Tick: p.Tick, Check: CheckTick, Want: fmt.Sprint(want), Got: fmt.Sprint(p.Tick)}
	}
	if p.Transition.From != g.Cursor() {
		return &FidelityError{Tick: p.Tick, Check: CheckCursor, Want: g.Cursor(), Got: p.Transition.From}
	}
	if want := random.Seed(g.ID(), g.Cursor(), g.Step()); p.Seed != want {
		return &FidelityError{Tick: p.Tick, Check: CheckSeed, Want: fmt.Sprint(want), Got: fmt.Sprint(p.Seed)}
	}
	if err := p.VerifyChain(head); err != nil {
		return &FidelityError{Tick: p.Tick, Check: CheckChain, Err: err}
	}
	return nil
}

func collect(res *Result, p event.Patch) error {
	for _, e := range p.Events {
		switch e.Entity {
		case event.EntityFragment:
			var f journal.Fragment
			if err := json.Unmarshal(e.After, &f); err != nil {
				return fmt.Errorf("decode fragment %s: %w", e.Target, err)
			}
			res.Fragments = append(res.Fragments, f)
		case event.EntityExternal:
			var r event.ExternalResult
			if err := json.Unmarshal(e.After, &r); err != nil {
				return fmt.Errorf("decode external %s: %w", e.Target, err)
			}
			res.Externals[frame.ExternalKey(p.Tick, e.Target)] = r
		}
	}
	return nil
}
