package frame

import (
	"encoding/json"
	"errors"

	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// checkProgress verifies forward progress in every container the tick has
// changed structurally, plus the landing's ancestors. A defect with an
// authored reset schedules the reset; any other defect is returned.
func (f *Frame) checkProgress(c *Context, st *tickState) error {
	for _, id := range f.touched(st.landing, c.m.Events()) {
		err := f.g.CheckProgress(id)
		var defect *graph.StructuralDefectError
		if !errors.As(err, &defect) {
			if err != nil {
				return err
			}
			continue
		}
		reset, ok := f.g.ResetEdge(defect.Container)
		if !ok {
			return err
		}
		if st.reset == "" {
			f.logger.Printf("%v; following reset %s", defect, reset.ID)
			st.reset = reset.ID
		}
	}
	return nil
}

// touched lists the containers whose reachability the events may have
// changed, the landing's ancestors first.
func (f *Frame) touched(landing string, events []event.Event) []string {
	var out []string
	seen := make(map[string]bool)
	around := func(id string) {
		for _, anc := range f.g.Ancestors(id) {
			if !seen[anc.ID] {
				seen[anc.ID] = true
				out = append(out, anc.ID)
			}
		}
	}
	around(landing)
	for _, e := range events {
		switch e.Entity {
		case event.EntityNode:
			if e.Attribute != "" && e.Attribute != graph.FieldInactive {
				continue
			}
			if n, ok := f.g.Node(e.Target); ok && n.Kind != graph.KindStructural {
				continue
			}
			around(e.Target)
		case event.EntityEdge:
			if e.Attribute != "" && e.Attribute != graph.FieldDest {
				continue
			}
			if source, ok := f.edgeSource(e); ok {
				around(source)
			}
		}
	}
	return out
}

func (f *Frame) edgeSource(e event.Event) (string, bool) {
	if edge, ok := f.g.Edge(e.Target); ok {
		return edge.Source, edge.Kind == graph.EdgeChoice
	}
	var removed graph.Edge
	if err := json.Unmarshal(e.Before, &removed); err != nil || removed.Source == "" {
		return "", false
	}
	return removed.Source, removed.Kind == graph.EdgeChoice
}
