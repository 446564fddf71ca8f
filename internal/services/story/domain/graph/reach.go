package graph

import "fmt"

type reachEntry struct {
	epoch uint64
	set   map[string]struct{}
}

// CanReach reports whether to is reachable from from along active choice
// edges. Results are cached per source node and invalidated by any structural
// mutation; an unchanged graph answers in O(1).
func (g *Graph) CanReach(from, to string) bool {
	if from == to {
		return true
	}
	_, ok := g.reachable(from)[to]
	return ok
}

func (g *Graph) reachable(from string) map[string]struct{} {
	if entry, ok := g.reach[from]; ok && entry.epoch == g.epoch {
		return entry.set
	}
	set := make(map[string]struct{})
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, edgeID := range g.out[current] {
			e := g.edges[edgeID]
			if e.Kind != EdgeChoice || e.Trigger == TriggerReset || e.Dest == "" {
				continue
			}
			dest := e.Dest
			for {
				n, ok := g.nodes[dest]
				if !ok || n.Inactive {
					dest = ""
					break
				}
				if _, seen := set[dest]; !seen {
					set[dest] = struct{}{}
					queue = append(queue, dest)
				}
				if !n.IsContainer() {
					break
				}
				dest = g.sources[dest]
			}
		}
	}
	g.reach[from] = reachEntry{epoch: g.epoch, set: set}
	return set
}

// CheckProgress verifies that every active non-sink member of a container can
// reach the container SINK. Nested containers are checked through their own
// SINK.
func (g *Graph) CheckProgress(containerID string) error {
	container, ok := g.nodes[containerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, containerID)
	}
	if !container.IsContainer() {
		return fmt.Errorf("%w: %s", ErrNotContainer, containerID)
	}
	if container.Inactive {
		return nil
	}
	sink := g.sinks[containerID]
	var stuck []string
	for _, childID := range g.children[containerID] {
		child := g.nodes[childID]
		if child.Inactive || child.Kind != KindStructural || child.Role == RoleSink {
			continue
		}
		from := childID
		if child.IsContainer() {
			from = g.sinks[childID]
		}
		if !g.CanReach(from, sink) {
			stuck = append(stuck, childID)
		}
	}
	if len(stuck) > 0 {
		return &StructuralDefectError{Container: containerID, Sink: sink, Stuck: stuck}
	}
	return nil
}

// ResetEdge finds an authored reset affordance on containerID or its ancestors.
func (g *Graph) ResetEdge(containerID string) (Edge, bool) {
	ids := []string{containerID}
	for _, anc := range g.Ancestors(containerID) {
		ids = append(ids, anc.ID)
	}
	for _, id := range ids {
		for _, edgeID := range g.out[id] {
			e := g.edges[edgeID]
			if e.Kind != EdgeChoice || e.Trigger != TriggerReset {
				continue
			}
			if dest, ok := g.nodes[e.Dest]; ok && !dest.Inactive {
				return e.Clone(), true
			}
		}
	}
	return Edge{}, false
}
