package graph

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/encoding"
)

const (
	sourceLabel = "@source"
	sinkLabel   = "@sink"
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://storyloom.dev/graph"))

// DeriveID returns a deterministic id for parts scoped to one graph.
func DeriveID(graphID string, parts ...string) string {
	name := graphID + "\x00" + strings.Join(parts, "\x00")
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// Graph is the registry of nodes and edges for one story.
//
// Graph holds no locks; a single writer per graph is assumed.
type Graph struct {
	id      string
	root    string
	cursor  string
	step    uint64
	counter uint64

	nodes    map[string]*Node
	edges    map[string]*Edge
	children map[string][]string
	out      map[string][]string
	in       map[string][]string
	sources  map[string]string
	sinks    map[string]string

	version uint64
	epoch   uint64
	reach   map[string]reachEntry
}

// New creates a graph whose root container is positioned at its SOURCE.
func New(id, title string) *Graph {
	g := empty(id)
	root := Node{
		ID:    DeriveID(id, "root"),
		Label: strings.TrimSpace(title),
		Kind:  KindStructural,
		Role:  RoleContainer,
		Level: LevelBook,
	}
	g.counter++
	root.Seq = g.counter
	g.insertNode(root.Clone())
	g.root = root.ID
	if err := g.addTerminals(root.ID); err != nil {
		panic(fmt.Sprintf("graph: create root terminals: %v", err))
	}
	g.cursor = g.sources[root.ID]
	return g
}

func empty(id string) *Graph {
	return &Graph{
		id:       id,
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		children: make(map[string][]string),
		out:      make(map[string][]string),
		in:       make(map[string][]string),
		sources:  make(map[string]string),
		sinks:    make(map[string]string),
		reach:    make(map[string]reachEntry),
	}
}

// ID returns the graph identity.
func (g *Graph) ID() string { return g.id }

// Root returns the root container id.
func (g *Graph) Root() string { return g.root }

// Cursor returns the current structural position.
func (g *Graph) Cursor() string { return g.cursor }

// Step returns the number of completed ticks.
func (g *Graph) Step() uint64 { return g.step }

// Counter returns the allocation counter used for node and edge sequence numbers.
func (g *Graph) Counter() uint64 { return g.counter }

// Version changes on every mutation.
func (g *Graph) Version() uint64 { return g.version }

// SetCursor moves the cursor without any validation beyond existence.
func (g *Graph) SetCursor(id string) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	g.cursor = id
	g.touch(false)
	return nil
}

// SetStep overwrites the step counter.
func (g *Graph) SetStep(step uint64) {
	g.step = step
	g.touch(false)
}

// SetCounter overwrites the allocation counter. Used by rollback and replay.
func (g *Graph) SetCounter(counter uint64) {
	g.counter = counter
	g.touch(false)
}

// NextSeq allocates the next sequence number.
func (g *Graph) NextSeq() uint64 {
	g.counter++
	return g.counter
}

func (g *Graph) touch(structural bool) {
	g.version++
	if structural {
		g.epoch++
	}
}

// AddNode registers a node under an existing container.
func (g *Graph) AddNode(n Node) (Node, error) {
	if n.Role == RoleContainer {
		return g.AddContainer(n)
	}
	if n.Role == RoleSource || n.Role == RoleSink {
		return Node{}, fmt.Errorf("%w: terminals are created with their container", ErrInvalidEdge)
	}
	prepared, err := g.prepareNode(n)
	if err != nil {
		return Node{}, err
	}
	g.insertNode(prepared)
	return prepared.Clone(), nil
}

// AddContainer registers a container together with its SOURCE and SINK.
func (g *Graph) AddContainer(n Node) (Node, error) {
	n.Role = RoleContainer
	n.Kind = KindStructural
	if n.Level == "" {
		n.Level = LevelScene
	}
	prepared, err := g.prepareNode(n)
	if err != nil {
		return Node{}, err
	}
	g.insertNode(prepared)
	if err := g.addTerminals(prepared.ID); err != nil {
		return Node{}, err
	}
	return prepared.Clone(), nil
}

func (g *Graph) addTerminals(containerID string) error {
	for _, term := range []struct {
		role  Role
		label string
	}{{RoleSource, sourceLabel}, {RoleSink, sinkLabel}} {
		node := Node{
			ID:     DeriveID(g.id, string(term.role), containerID),
			Label:  term.label,
			Kind:   KindStructural,
			Role:   term.role,
			Parent: containerID,
		}
		if _, exists := g.nodes[node.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, node.ID)
		}
		node.Seq = g.NextSeq()
		g.insertNode(node)
	}
	return nil
}

func (g *Graph) prepareNode(n Node) (Node, error) {
	n = n.Clone()
	n.Label = strings.TrimSpace(n.Label)
	if n.Parent == "" {
		n.Parent = g.root
	}
	parent, ok := g.nodes[n.Parent]
	if !ok {
		return Node{}, fmt.Errorf("%w: parent %s", ErrDanglingReference, n.Parent)
	}
	if !parent.IsContainer() {
		return Node{}, fmt.Errorf("%w: %s", ErrNotContainer, n.Parent)
	}
	if n.ID == "" {
		if n.Label == "" {
			return Node{}, ErrIDRequired
		}
		n.ID = DeriveID(g.id, "node", n.Parent, n.Label)
	}
	if _, exists := g.nodes[n.ID]; exists {
		return Node{}, fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
	}
	if n.Label != "" {
		for _, sibling := range g.children[n.Parent] {
			if g.nodes[sibling].Label == n.Label {
				return Node{}, fmt.Errorf("%w: %s", ErrDuplicateLabel, n.Label)
			}
		}
	}
	if n.Kind == "" {
		n.Kind = KindStructural
	}
	n.Tags = NormalizeTags(n.Tags)
	attrs, err := normalizeAttrs(n.Attrs)
	if err != nil {
		return Node{}, err
	}
	n.Attrs = attrs
	if n.Seq == 0 {
		n.Seq = g.NextSeq()
	} else if n.Seq > g.counter {
		g.counter = n.Seq
	}
	return n, nil
}

func (g *Graph) insertNode(n Node) {
	stored := n
	g.nodes[n.ID] = &stored
	if n.Parent != "" {
		g.children[n.Parent] = insertBySeq(g.children[n.Parent], n.ID, n.Seq, g.nodeSeq)
	}
	switch n.Role {
	case RoleSource:
		g.sources[n.Parent] = n.ID
	case RoleSink:
		g.sinks[n.Parent] = n.ID
	}
	g.touch(true)
}

// InsertNode restores a fully formed node, terminals included. Replay and
// rollback use it; authored content goes through AddNode.
func (g *Graph) InsertNode(n Node) error {
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
	}
	if n.Parent != "" {
		if _, ok := g.nodes[n.Parent]; !ok {
			return fmt.Errorf("%w: parent %s", ErrDanglingReference, n.Parent)
		}
	}
	if n.Seq > g.counter {
		g.counter = n.Seq
	}
	g.insertNode(n.Clone())
	return nil
}

// RemoveNode drops a node that has no remaining edges. Nodes are otherwise
// never deleted; this exists to undo a creation inside an aborted tick.
func (g *Graph) RemoveNode(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if len(g.out[id]) > 0 || len(g.in[id]) > 0 || len(g.children[id]) > 0 {
		return fmt.Errorf("%w: %s still referenced", ErrDanglingReference, id)
	}
	if n.Parent != "" {
		g.children[n.Parent] = slices.DeleteFunc(g.children[n.Parent], func(c string) bool { return c == id })
	}
	delete(g.nodes, id)
	delete(g.reach, id)
	g.touch(true)
	return nil
}

// AddEdge registers an edge, rejecting dangling or non-addressable endpoints.
func (g *Graph) AddEdge(e Edge) (Edge, error) {
	e = e.Clone()
	if e.Kind == "" {
		e.Kind = EdgeChoice
	}
	if _, ok := g.nodes[e.Source]; !ok {
		return Edge{}, fmt.Errorf("%w: source %q", ErrDanglingReference, e.Source)
	}
	switch e.Kind {
	case EdgeChoice:
		if e.Dest == "" {
			return Edge{}, fmt.Errorf("%w: choice edge needs a destination", ErrInvalidEdge)
		}
		if e.Trigger == "" {
			e.Trigger = TriggerManual
		}
		if e.Trigger == TriggerReset && !g.nodes[e.Source].IsContainer() {
			return Edge{}, fmt.Errorf("%w: reset affordance must leave a container", ErrInvalidEdge)
		}
	case EdgeDependency:
		if e.Requirement == nil {
			return Edge{}, fmt.Errorf("%w: dependency edge needs a requirement", ErrInvalidEdge)
		}
		if e.Requirement.Policy == "" {
			e.Requirement.Policy = PolicyReuse
		}
	case EdgeAffordance:
		if g.nodes[e.Source].Kind != KindResource {
			return Edge{}, fmt.Errorf("%w: affordance must leave a resource", ErrInvalidEdge)
		}
		if e.Dest == "" {
			return Edge{}, fmt.Errorf("%w: affordance needs a destination", ErrInvalidEdge)
		}
	case EdgeProvenance:
		if e.Dest == "" {
			return Edge{}, fmt.Errorf("%w: provenance needs a destination", ErrInvalidEdge)
		}
	default:
		return Edge{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEdge, e.Kind)
	}
	if e.Dest != "" {
		if _, ok := g.nodes[e.Dest]; !ok {
			return Edge{}, fmt.Errorf("%w: dest %q", ErrDanglingReference, e.Dest)
		}
	}
	if e.ID == "" {
		e.ID = DeriveID(g.id, "edge", string(e.Kind), e.Source, e.Dest, e.Label, fmt.Sprint(len(g.out[e.Source])))
	}
	if _, exists := g.edges[e.ID]; exists {
		return Edge{}, fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	if e.Seq == 0 {
		e.Seq = g.NextSeq()
	} else if e.Seq > g.counter {
		g.counter = e.Seq
	}
	g.insertEdge(e)
	return e.Clone(), nil
}

// InsertEdge restores a fully formed edge. Replay and rollback use it.
func (g *Graph) InsertEdge(e Edge) error {
	if _, exists := g.edges[e.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	for _, ref := range []string{e.Source, e.Dest} {
		if ref == "" {
			continue
		}
		if _, ok := g.nodes[ref]; !ok {
			return fmt.Errorf("%w: %s", ErrDanglingReference, ref)
		}
	}
	if e.Seq > g.counter {
		g.counter = e.Seq
	}
	g.insertEdge(e.Clone())
	return nil
}

func (g *Graph) insertEdge(e Edge) {
	stored := e
	g.edges[e.ID] = &stored
	g.out[e.Source] = insertBySeq(g.out[e.Source], e.ID, e.Seq, g.edgeSeq)
	if e.Dest != "" {
		g.in[e.Dest] = insertBySeq(g.in[e.Dest], e.ID, e.Seq, g.edgeSeq)
	}
	g.touch(e.Kind == EdgeChoice)
}

// RemoveEdge deletes an edge unless it has been frozen by traversal.
func (g *Graph) RemoveEdge(id string) (Edge, error) {
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	if e.Frozen {
		return Edge{}, fmt.Errorf("%w: %s", ErrEdgeFrozen, id)
	}
	removed := e.Clone()
	g.dropEdge(removed)
	return removed, nil
}

func (g *Graph) dropEdge(e Edge) {
	drop := func(c string) bool { return c == e.ID }
	g.out[e.Source] = slices.DeleteFunc(g.out[e.Source], drop)
	if e.Dest != "" {
		g.in[e.Dest] = slices.DeleteFunc(g.in[e.Dest], drop)
	}
	delete(g.edges, e.ID)
	g.touch(e.Kind == EdgeChoice)
}

// Node returns a copy of the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// Edge returns a copy of the edge with id.
func (g *Graph) Edge(id string) (Edge, bool) {
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, false
	}
	return e.Clone(), true
}

// Get resolves a uid, a slash-separated label path from the root, or a unique label.
func (g *Graph) Get(ref string) (Node, error) {
	ref = strings.TrimSpace(ref)
	if n, ok := g.nodes[ref]; ok {
		return n.Clone(), nil
	}
	if strings.Contains(ref, "/") {
		current := g.root
		for _, part := range strings.Split(strings.Trim(ref, "/"), "/") {
			next := ""
			for _, child := range g.children[current] {
				if g.nodes[child].Label == part {
					next = child
					break
				}
			}
			if next == "" {
				return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
			}
			current = next
		}
		return g.nodes[current].Clone(), nil
	}
	var found *Node
	for _, id := range g.nodeIDs() {
		n := g.nodes[id]
		if n.Label != ref {
			continue
		}
		if found != nil {
			return Node{}, fmt.Errorf("%w: %s", ErrAmbiguousRef, ref)
		}
		found = n
	}
	if found == nil {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
	}
	return found.Clone(), nil
}

// Find returns every node matching c, in creation order.
func (g *Graph) Find(c Criteria) []Node {
	var out []Node
	for _, id := range g.nodeIDs() {
		n := g.nodes[id]
		if c.Matches(*n) {
			out = append(out, n.Clone())
		}
	}
	return out
}

// Nodes returns every node in creation order.
func (g *Graph) Nodes() []Node {
	ids := g.nodeIDs()
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Edges returns every edge in creation order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b Edge) int { return compareSeq(a.Seq, b.Seq, a.ID, b.ID) })
	return out
}

// Outgoing returns edges leaving id, optionally filtered by kind.
func (g *Graph) Outgoing(id string, kinds ...EdgeKind) []Edge {
	return g.collect(g.out[id], kinds)
}

// Incoming returns edges entering id, optionally filtered by kind.
func (g *Graph) Incoming(id string, kinds ...EdgeKind) []Edge {
	return g.collect(g.in[id], kinds)
}

func (g *Graph) collect(ids []string, kinds []EdgeKind) []Edge {
	var out []Edge
	for _, id := range ids {
		e := g.edges[id]
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// Children returns the direct members of a container in creation order.
func (g *Graph) Children(containerID string) []Node {
	var out []Node
	for _, id := range g.children[containerID] {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Ancestors returns the containers enclosing id, nearest first.
func (g *Graph) Ancestors(id string) []Node {
	var out []Node
	n, ok := g.nodes[id]
	for ok && n.Parent != "" {
		parent, found := g.nodes[n.Parent]
		if !found {
			break
		}
		out = append(out, parent.Clone())
		n, ok = parent, true
	}
	return out
}

// EnclosingLevel returns the nearest ancestor container of id at level.
func (g *Graph) EnclosingLevel(id string, level Level) (Node, bool) {
	if n, ok := g.nodes[id]; ok && n.IsContainer() && n.Level == level {
		return n.Clone(), true
	}
	for _, anc := range g.Ancestors(id) {
		if anc.Level == level {
			return anc, true
		}
	}
	return Node{}, false
}

// Source returns the SOURCE id of a container.
func (g *Graph) Source(containerID string) (string, bool) {
	id, ok := g.sources[containerID]
	return id, ok
}

// Sink returns the SINK id of a container.
func (g *Graph) Sink(containerID string) (string, bool) {
	id, ok := g.sinks[containerID]
	return id, ok
}

// MarkEntry rewrites an authored entry point as an edge out of the container SOURCE.
func (g *Graph) MarkEntry(containerID, nodeID string, trigger Trigger) (Edge, error) {
	source, ok := g.sources[containerID]
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrNotContainer, containerID)
	}
	if n, ok := g.nodes[nodeID]; !ok || n.Parent != containerID {
		return Edge{}, fmt.Errorf("%w: entry %s is not a member of %s", ErrDanglingReference, nodeID, containerID)
	}
	return g.AddEdge(Edge{Kind: EdgeChoice, Source: source, Dest: nodeID, Trigger: trigger, Label: "enter"})
}

// MarkExit rewrites an authored exit point as an edge into the container SINK.
// A nested container exits from its own SINK.
func (g *Graph) MarkExit(containerID, nodeID string, trigger Trigger) (Edge, error) {
	sink, ok := g.sinks[containerID]
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrNotContainer, containerID)
	}
	n, ok := g.nodes[nodeID]
	if !ok || n.Parent != containerID {
		return Edge{}, fmt.Errorf("%w: exit %s is not a member of %s", ErrDanglingReference, nodeID, containerID)
	}
	return g.AddEdge(Edge{Kind: EdgeChoice, Source: g.Exit(nodeID), Dest: sink, Trigger: trigger, Label: "exit"})
}

// Exit returns the node a traversal leaves id from: the SINK of a container,
// otherwise id itself.
func (g *Graph) Exit(id string) string {
	if n, ok := g.nodes[id]; ok && n.IsContainer() {
		return g.sinks[id]
	}
	return id
}

// Resolve maps a choice destination to the node the cursor lands on:
// containers are entered through their SOURCE.
func (g *Graph) Resolve(id string) string {
	for {
		n, ok := g.nodes[id]
		if !ok || !n.IsContainer() {
			return id
		}
		id = g.sources[id]
	}
}

func (g *Graph) nodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return compareSeq(g.nodes[a].Seq, g.nodes[b].Seq, a, b)
	})
	return ids
}

func (g *Graph) nodeSeq(id string) uint64 { return g.nodes[id].Seq }

func (g *Graph) edgeSeq(id string) uint64 { return g.edges[id].Seq }

func insertBySeq(list []string, id string, seq uint64, seqOf func(string) uint64) []string {
	idx, _ := slices.BinarySearchFunc(list, seq, func(existing string, target uint64) int {
		switch s := seqOf(existing); {
		case s < target:
			return -1
		case s > target:
			return 1
		default:
			return 0
		}
	})
	return slices.Insert(list, idx, id)
}

func compareSeq(a, b uint64, idA, idB string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return strings.Compare(idA, idB)
	}
}

func normalizeAttrs(attrs map[string]any) (map[string]any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(attrs))
	for key, value := range attrs {
		normalized, err := encoding.Normalize(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", key, err)
		}
		out[key] = normalized
	}
	return out, nil
}

func valuesEqual(a, b any) bool {
	left, err := encoding.CanonicalJSON(a)
	if err != nil {
		return false
	}
	right, err := encoding.CanonicalJSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}
