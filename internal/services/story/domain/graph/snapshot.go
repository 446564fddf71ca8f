package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/encoding"
)

// Snapshot is the serializable form of a graph.
type Snapshot struct {
	ID      string `json:"id"`
	Root    string `json:"root"`
	Cursor  string `json:"cursor"`
	Step    uint64 `json:"step"`
	Counter uint64 `json:"counter"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Snapshot captures the full graph state.
func (g *Graph) Snapshot() Snapshot {
	return Snapshot{
		ID:      g.id,
		Root:    g.root,
		Cursor:  g.cursor,
		Step:    g.step,
		Counter: g.counter,
		Nodes:   g.Nodes(),
		Edges:   g.Edges(),
	}
}

// Restore rebuilds a graph from a snapshot.
func Restore(s Snapshot) (*Graph, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, fmt.Errorf("snapshot graph id is required")
	}
	g := empty(s.ID)
	g.root = s.Root
	nodes := slices.Clone(s.Nodes)
	slices.SortFunc(nodes, func(a, b Node) int { return compareSeq(a.Seq, b.Seq, a.ID, b.ID) })
	for _, n := range nodes {
		if err := g.InsertNode(n); err != nil {
			return nil, fmt.Errorf("restore node %s: %w", n.ID, err)
		}
	}
	if _, ok := g.nodes[g.root]; !ok {
		return nil, fmt.Errorf("%w: root %s", ErrNodeNotFound, g.root)
	}
	for _, e := range s.Edges {
		if err := g.InsertEdge(e); err != nil {
			return nil, fmt.Errorf("restore edge %s: %w", e.ID, err)
		}
	}
	if s.Cursor != "" {
		if err := g.SetCursor(s.Cursor); err != nil {
			return nil, err
		}
	}
	g.step = s.Step
	g.counter = s.Counter
	return g, nil
}

// Hash returns the structural hash over nodes, edges, cursor, step and
// counter. Two graphs with equal hashes are interchangeable for replay.
func (g *Graph) Hash() (string, error) {
	nodes := g.Nodes()
	slices.SortFunc(nodes, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	edges := g.Edges()
	slices.SortFunc(edges, func(a, b Edge) int { return strings.Compare(a.ID, b.ID) })
	return encoding.Digest(Snapshot{
		ID:      g.id,
		Root:    g.root,
		Cursor:  g.cursor,
		Step:    g.step,
		Counter: g.counter,
		Nodes:   nodes,
		Edges:   edges,
	})
}
