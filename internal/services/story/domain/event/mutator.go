package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// ErrMutatorClosed indicates a write after the tick was rolled back.
var ErrMutatorClosed = errors.New("mutator is closed")

// Mutator is the watched write interface for one tick. Every method applies
// its change to the graph and records an Event; Rollback undoes all of them.
type Mutator struct {
	g       *graph.Graph
	salt    string
	source  string
	events  []Event
	undo    []func() error
	counter uint64
	ids     int
	closed  bool
}

// NewMutator starts recording writes against g. salt scopes the ids allocated
// by NewID, typically the tick number.
func NewMutator(g *graph.Graph, salt string) *Mutator {
	return &Mutator{g: g, salt: salt, counter: g.Counter()}
}

// Graph returns the graph being written. Callers must not write to it directly.
func (m *Mutator) Graph() *graph.Graph { return m.g }

// SetSource labels subsequent events with the handler or phase producing them
// and returns the previous label.
func (m *Mutator) SetSource(source string) string {
	prev := m.source
	m.source = source
	return prev
}

// NewID allocates a deterministic id for content created in this tick.
func (m *Mutator) NewID(kind string) string {
	m.ids++
	return graph.DeriveID(m.g.ID(), "tick", m.salt, kind, strconv.Itoa(m.ids))
}

// Events returns a copy of the recorded events in write order.
func (m *Mutator) Events() []Event {
	return append([]Event(nil), m.events...)
}

// Len returns the number of recorded events.
func (m *Mutator) Len() int { return len(m.events) }

// CreateNode adds a node, or a container with its SOURCE and SINK.
func (m *Mutator) CreateNode(n graph.Node) (graph.Node, error) {
	if err := m.open(); err != nil {
		return graph.Node{}, err
	}
	if n.ID == "" {
		n.ID = m.NewID("node")
	}
	var created graph.Node
	var err error
	if n.Role == graph.RoleContainer {
		created, err = m.g.AddContainer(n)
	} else {
		created, err = m.g.AddNode(n)
	}
	if err != nil {
		return graph.Node{}, err
	}
	ids := []string{created.ID}
	if created.IsContainer() {
		source, _ := m.g.Source(created.ID)
		sink, _ := m.g.Sink(created.ID)
		ids = append(ids, source, sink)
	}
	for _, id := range ids {
		node, _ := m.g.Node(id)
		if err := m.record(OpCreate, EntityNode, id, "", nil, node); err != nil {
			return graph.Node{}, err
		}
		nodeID := id
		m.undo = append(m.undo, func() error { return m.g.RemoveNode(nodeID) })
	}
	return created, nil
}

// CreateEdge adds an edge.
func (m *Mutator) CreateEdge(e graph.Edge) (graph.Edge, error) {
	if err := m.open(); err != nil {
		return graph.Edge{}, err
	}
	if e.ID == "" {
		e.ID = m.NewID("edge")
	}
	created, err := m.g.AddEdge(e)
	if err != nil {
		return graph.Edge{}, err
	}
	if err := m.record(OpCreate, EntityEdge, created.ID, "", nil, created); err != nil {
		return graph.Edge{}, err
	}
	m.undo = append(m.undo, func() error {
		_, err := m.g.RemoveEdge(created.ID)
		return err
	})
	return created, nil
}

// RemoveEdge deletes an edge that has not been frozen by traversal.
func (m *Mutator) RemoveEdge(id string) error {
	if err := m.open(); err != nil {
		return err
	}
	removed, err := m.g.RemoveEdge(id)
	if err != nil {
		return err
	}
	if err := m.record(OpDelete, EntityEdge, id, "", removed, nil); err != nil {
		return err
	}
	m.undo = append(m.undo, func() error { return m.g.InsertEdge(removed) })
	return nil
}

// SetAttr writes Node.Attrs[key].
func (m *Mutator) SetAttr(nodeID, key string, value any) error {
	return m.SetNodeField(nodeID, graph.AttrField(key), value)
}

// DeleteAttr removes Node.Attrs[key].
func (m *Mutator) DeleteAttr(nodeID, key string) error {
	if err := m.open(); err != nil {
		return err
	}
	field := graph.AttrField(key)
	before, existed, err := m.g.NodeField(nodeID, field)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if err := m.g.DeleteNodeField(nodeID, field); err != nil {
		return err
	}
	if err := m.record(OpDelete, EntityNode, nodeID, field, before, nil); err != nil {
		return err
	}
	m.undo = append(m.undo, func() error { return m.g.SetNodeField(nodeID, field, before) })
	return nil
}

// SetNodeField writes one addressable node field.
func (m *Mutator) SetNodeField(nodeID, field string, value any) error {
	if err := m.open(); err != nil {
		return err
	}
	before, existed, err := m.g.NodeField(nodeID, field)
	if err != nil {
		return err
	}
	if err := m.g.SetNodeField(nodeID, field, value); err != nil {
		return err
	}
	after, _, err := m.g.NodeField(nodeID, field)
	if err != nil {
		return err
	}
	var prior any
	if existed {
		prior = before
	}
	if err := m.record(OpUpdate, EntityNode, nodeID, field, prior, after); err != nil {
		return err
	}
	m.undo = append(m.undo, func() error {
		if !existed {
			return m.g.DeleteNodeField(nodeID, field)
		}
		return m.g.SetNodeField(nodeID, field, before)
	})
	return nil
}

// SetEdgeField writes one addressable edge field.
func (m *Mutator) SetEdgeField(edgeID, field string, value any) error {
	if err := m.open(); err != nil {
		return err
	}
	before, _, err := m.g.EdgeField(edgeID, field)
	if err != nil {
		return err
	}
	if err := m.g.SetEdgeField(edgeID, field, value); err != nil {
		return err
	}
	after, _, err := m.g.EdgeField(edgeID, field)
	if err != nil {
		return err
	}
	if err := m.record(OpUpdate, EntityEdge, edgeID, field, before, after); err != nil {
		return err
	}
	m.undo = append(m.undo, func() error { return m.g.SetEdgeField(edgeID, field, before) })
	return nil
}

// SetGraphField writes a graph-level field such as the cursor or step.
func (m *Mutator) SetGraphField(field string, value any) error {
	if err := m.open(); err != nil {
		return err
	}
	before, err := m.g.GraphField(field)
	if err != nil {
		return err
	}
	if err := m.g.SetGraphField(field, value); err != nil {
		return err
	}
	after, err := m.g.GraphField(field)
	if err != nil {
		return err
	}
	if err := m.record(OpUpdate, EntityGraph, m.g.ID(), field, before, after); err != nil {
		return err
	}
	m.undo = append(m.undo, func() error { return m.g.SetGraphField(field, before) })
	return nil
}

// Deactivate marks a node inactive. Nodes are never deleted.
func (m *Mutator) Deactivate(nodeID string) error {
	return m.SetNodeField(nodeID, graph.FieldInactive, true)
}

// Bind resolves a dependency edge to a resource.
func (m *Mutator) Bind(edgeID, resourceID string) error {
	return m.SetEdgeField(edgeID, graph.FieldDest, resourceID)
}

// Waive permanently marks a soft dependency as unresolved.
func (m *Mutator) Waive(edgeID string) error {
	return m.SetEdgeField(edgeID, graph.FieldWaived, true)
}

// Freeze protects a traversed edge against deletion.
func (m *Mutator) Freeze(edgeID string) error {
	return m.SetEdgeField(edgeID, graph.FieldFrozen, true)
}

// MoveCursor positions the cursor.
func (m *Mutator) MoveCursor(nodeID string) error {
	return m.SetGraphField(graph.FieldCursor, nodeID)
}

// RecordFragment logs a journal fragment produced during the tick.
func (m *Mutator) RecordFragment(id string, fragment any) error {
	if err := m.open(); err != nil {
		return err
	}
	return m.record(OpCreate, EntityFragment, id, "", nil, fragment)
}

// RecordExternal logs the result of a call outside the engine.
func (m *Mutator) RecordExternal(key string, result ExternalResult) error {
	if err := m.open(); err != nil {
		return err
	}
	if err := m.record(OpRead, EntityExternal, key, "", nil, result); err != nil {
		return err
	}
	m.events[len(m.events)-1].Error = result.Error
	return nil
}

// Rollback undoes every recorded write in reverse order and closes the mutator.
func (m *Mutator) Rollback() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for i := len(m.undo) - 1; i >= 0; i-- {
		if err := m.undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.g.SetCounter(m.counter)
	m.events = nil
	m.undo = nil
	if len(errs) > 0 {
		return fmt.Errorf("rollback: %w", errors.Join(errs...))
	}
	return nil
}

// Savepoint marks a position in the tick that RollbackTo can return to.
type Savepoint struct {
	events  int
	undo    int
	counter uint64
}

// Mark returns a savepoint at the current position.
func (m *Mutator) Mark() Savepoint {
	return Savepoint{events: len(m.events), undo: len(m.undo), counter: m.g.Counter()}
}

// RollbackTo undoes and forgets every write recorded after sp. The mutator
// stays open.
func (m *Mutator) RollbackTo(sp Savepoint) error {
	if err := m.open(); err != nil {
		return err
	}
	if sp.events > len(m.events) || sp.undo > len(m.undo) {
		return fmt.Errorf("savepoint is ahead of the mutator")
	}
	var errs []error
	for i := len(m.undo) - 1; i >= sp.undo; i-- {
		if err := m.undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.undo = m.undo[:sp.undo]
	m.events = m.events[:sp.events]
	m.g.SetCounter(sp.counter)
	if len(errs) > 0 {
		return fmt.Errorf("rollback to savepoint: %w", errors.Join(errs...))
	}
	return nil
}

// Close stops recording; later writes fail.
func (m *Mutator) Close() { m.closed = true }

func (m *Mutator) open() error {
	if m.closed {
		return ErrMutatorClosed
	}
	return nil
}

func (m *Mutator) record(op Op, entity Entity, target, attribute string, before, after any) error {
	beforeJSON, err := marshalValue(before)
	if err != nil {
		return fmt.Errorf("encode before %s: %w", describe(entity, target, attribute), err)
	}
	afterJSON, err := marshalValue(after)
	if err != nil {
		return fmt.Errorf("encode after %s: %w", describe(entity, target, attribute), err)
	}
	m.events = append(m.events, Event{
		Seq:       uint64(len(m.events) + 1),
		Op:        op,
		Entity:    entity,
		Target:    target,
		Attribute: attribute,
		Before:    beforeJSON,
		After:     afterJSON,
		Source:    m.source,
	})
	return nil
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func describe(entity Entity, target, attribute string) string {
	parts := []string{string(entity), target}
	if attribute != "" {
		parts = append(parts, attribute)
	}
	return strings.Join(parts, ":")
}
