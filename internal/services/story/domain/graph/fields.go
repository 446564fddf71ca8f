package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/encoding"
)

// Addressable attributes. Every recorded mutation targets one of these so a
// patch can be reapplied field by field.
const (
	FieldLabel    = "label"
	FieldTags     = "tags"
	FieldInactive = "inactive"
	FieldVisited  = "visited"
	// AttrPrefix addresses one entry of Node.Attrs, e.g. "attrs.gold".
	AttrPrefix = "attrs."

	FieldDest   = "dest"
	FieldWaived = "waived"
	FieldFrozen = "frozen"

	FieldCursor  = "cursor"
	FieldStep    = "step"
	FieldCounter = "counter"
)

// AttrField returns the field name addressing attribute key.
func AttrField(key string) string { return AttrPrefix + key }

// NodeField reads one addressable field of a node.
func (g *Graph) NodeField(id, field string) (any, bool, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	switch {
	case field == FieldLabel:
		return n.Label, true, nil
	case field == FieldTags:
		return append([]string(nil), n.Tags...), true, nil
	case field == FieldInactive:
		return n.Inactive, true, nil
	case field == FieldVisited:
		return n.Visited, true, nil
	case strings.HasPrefix(field, AttrPrefix):
		value, exists := n.Attrs[strings.TrimPrefix(field, AttrPrefix)]
		return cloneValue(value), exists, nil
	default:
		return nil, false, fmt.Errorf("unknown node field %q", field)
	}
}

// SetNodeField writes one addressable field of a node.
func (g *Graph) SetNodeField(id, field string, value any) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	structural := false
	switch {
	case field == FieldLabel:
		label, err := asString(value)
		if err != nil {
			return err
		}
		n.Label = label
	case field == FieldTags:
		tags, err := asStrings(value)
		if err != nil {
			return err
		}
		n.Tags = NormalizeTags(tags)
	case field == FieldInactive:
		inactive, err := asBool(value)
		if err != nil {
			return err
		}
		n.Inactive = inactive
		structural = true
	case field == FieldVisited:
		visited, err := asBool(value)
		if err != nil {
			return err
		}
		n.Visited = visited
	case strings.HasPrefix(field, AttrPrefix):
		normalized, err := encoding.Normalize(value)
		if err != nil {
			return err
		}
		if n.Attrs == nil {
			n.Attrs = make(map[string]any)
		}
		n.Attrs[strings.TrimPrefix(field, AttrPrefix)] = normalized
	default:
		return fmt.Errorf("unknown node field %q", field)
	}
	g.touch(structural)
	return nil
}

// DeleteNodeField removes an attribute entry.
func (g *Graph) DeleteNodeField(id, field string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if !strings.HasPrefix(field, AttrPrefix) {
		return fmt.Errorf("only attributes can be deleted, got %q", field)
	}
	delete(n.Attrs, strings.TrimPrefix(field, AttrPrefix))
	if len(n.Attrs) == 0 {
		n.Attrs = nil
	}
	g.touch(false)
	return nil
}

// EdgeField reads one addressable field of an edge.
func (g *Graph) EdgeField(id, field string) (any, bool, error) {
	e, ok := g.edges[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	switch field {
	case FieldDest:
		return e.Dest, true, nil
	case FieldWaived:
		return e.Waived, true, nil
	case FieldFrozen:
		return e.Frozen, true, nil
	case FieldLabel:
		return e.Label, true, nil
	default:
		return nil, false, fmt.Errorf("unknown edge field %q", field)
	}
}

// SetEdgeField writes one addressable field of an edge.
func (g *Graph) SetEdgeField(id, field string, value any) error {
	e, ok := g.edges[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	switch field {
	case FieldDest:
		dest, err := asString(value)
		if err != nil {
			return err
		}
		if dest != "" {
			if _, ok := g.nodes[dest]; !ok {
				return fmt.Errorf("%w: dest %q", ErrDanglingReference, dest)
			}
		}
		if e.Dest != "" {
			g.in[e.Dest] = removeID(g.in[e.Dest], e.ID)
		}
		e.Dest = dest
		if dest != "" {
			g.in[dest] = insertBySeq(g.in[dest], e.ID, e.Seq, g.edgeSeq)
		}
		g.touch(e.Kind == EdgeChoice)
		return nil
	case FieldWaived:
		waived, err := asBool(value)
		if err != nil {
			return err
		}
		e.Waived = waived
	case FieldFrozen:
		frozen, err := asBool(value)
		if err != nil {
			return err
		}
		e.Frozen = frozen
	case FieldLabel:
		label, err := asString(value)
		if err != nil {
			return err
		}
		e.Label = label
	default:
		return fmt.Errorf("unknown edge field %q", field)
	}
	g.touch(false)
	return nil
}

// GraphField reads a graph-level field.
func (g *Graph) GraphField(field string) (any, error) {
	switch field {
	case FieldCursor:
		return g.cursor, nil
	case FieldStep:
		return g.step, nil
	case FieldCounter:
		return g.counter, nil
	default:
		return nil, fmt.Errorf("unknown graph field %q", field)
	}
}

// SetGraphField writes a graph-level field.
func (g *Graph) SetGraphField(field string, value any) error {
	switch field {
	case FieldCursor:
		cursor, err := asString(value)
		if err != nil {
			return err
		}
		return g.SetCursor(cursor)
	case FieldStep:
		step, err := asUint64(value)
		if err != nil {
			return err
		}
		g.SetStep(step)
	case FieldCounter:
		counter, err := asUint64(value)
		if err != nil {
			return err
		}
		g.SetCounter(counter)
	default:
		return fmt.Errorf("unknown graph field %q", field)
	}
	return nil
}

func removeID(list []string, id string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func asString(v any) (string, error) {
	switch typed := v.(type) {
	case nil:
		return "", nil
	case string:
		return typed, nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func asBool(v any) (bool, error) {
	switch typed := v.(type) {
	case nil:
		return false, nil
	case bool:
		return typed, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func asUint64(v any) (uint64, error) {
	switch typed := v.(type) {
	case uint64:
		return typed, nil
	case int:
		return uint64(typed), nil
	case int64:
		return uint64(typed), nil
	case float64:
		return uint64(typed), nil
	case json.Number:
		n, err := typed.Int64()
		return uint64(n), err
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asStrings(v any) ([]string, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), typed...), nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list item, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}
