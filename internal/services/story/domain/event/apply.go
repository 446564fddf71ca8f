package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// Apply replays a patch onto g. Fragment and external events carry no graph
// state and are skipped.
func Apply(g *graph.Graph, p Patch) error {
	if p.GraphID != "" && p.GraphID != g.ID() {
		return fmt.Errorf("patch %d targets graph %s, not %s", p.Tick, p.GraphID, g.ID())
	}
	for _, e := range p.Events {
		if err := applyEvent(g, e); err != nil {
			return fmt.Errorf("patch %d event %d (%s): %w", p.Tick, e.Seq, describe(e.Entity, e.Target, e.Attribute), err)
		}
	}
	g.SetCounter(p.Counter)
	return nil
}

func applyEvent(g *graph.Graph, e Event) error {
	switch e.Entity {
	case EntityFragment, EntityExternal:
		return nil
	case EntityGraph:
		if e.Op != OpUpdate {
			return fmt.Errorf("unsupported graph op %q", e.Op)
		}
		value, err := decodeValue(e.After)
		if err != nil {
			return err
		}
		return g.SetGraphField(e.Attribute, value)
	case EntityNode:
		return applyNode(g, e)
	case EntityEdge:
		return applyEdge(g, e)
	default:
		return fmt.Errorf("unknown entity %q", e.Entity)
	}
}

func applyNode(g *graph.Graph, e Event) error {
	switch {
	case e.Op == OpCreate && e.Attribute == "":
		var n graph.Node
		if err := decodeInto(e.After, &n); err != nil {
			return err
		}
		return g.InsertNode(n)
	case e.Op == OpUpdate:
		value, err := decodeValue(e.After)
		if err != nil {
			return err
		}
		return g.SetNodeField(e.Target, e.Attribute, value)
	case e.Op == OpDelete && e.Attribute != "":
		return g.DeleteNodeField(e.Target, e.Attribute)
	default:
		return fmt.Errorf("unsupported node op %q", e.Op)
	}
}

func applyEdge(g *graph.Graph, e Event) error {
	switch {
	case e.Op == OpCreate && e.Attribute == "":
		var edge graph.Edge
		if err := decodeInto(e.After, &edge); err != nil {
			return err
		}
		return g.InsertEdge(edge)
	case e.Op == OpUpdate && e.Attribute == "":
		var edge graph.Edge
		if err := decodeInto(e.After, &edge); err != nil {
			return err
		}
		if _, err := g.RemoveEdge(e.Target); err != nil {
			return err
		}
		return g.InsertEdge(edge)
	case e.Op == OpUpdate:
		value, err := decodeValue(e.After)
		if err != nil {
			return err
		}
		return g.SetEdgeField(e.Target, e.Attribute, value)
	case e.Op == OpDelete && e.Attribute == "":
		_, err := g.RemoveEdge(e.Target)
		return err
	default:
		return fmt.Errorf("unsupported edge op %q", e.Op)
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
