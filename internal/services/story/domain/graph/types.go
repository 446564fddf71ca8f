package graph

import (
	"slices"
	"sort"
	"strings"
)

// Kind classifies a node.
type Kind string

const (
	// KindStructural nodes form the traversable backbone.
	KindStructural Kind = "structural"
	// KindResource nodes are reusable bindings for dependencies.
	KindResource Kind = "resource"
	// KindMeta nodes carry bookkeeping that is neither traversed nor bound.
	KindMeta Kind = "meta"
)

// Role marks synthetic structural nodes.
type Role string

const (
	RoleNone      Role = ""
	RoleContainer Role = "container"
	RoleSource    Role = "source"
	RoleSink      Role = "sink"
)

// Level is the nesting level of a container. Provisioning proximity is
// measured against scene and episode levels.
type Level string

const (
	LevelBook    Level = "book"
	LevelEpisode Level = "episode"
	LevelScene   Level = "scene"
	LevelBlock   Level = "block"
)

// Node is one addressable vertex.
type Node struct {
	ID       string         `json:"id"`
	Seq      uint64         `json:"seq"`
	Label    string         `json:"label,omitempty"`
	Kind     Kind           `json:"kind"`
	Role     Role           `json:"role,omitempty"`
	Level    Level          `json:"level,omitempty"`
	Parent   string         `json:"parent,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Classes  []string       `json:"classes,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	Effects  []string       `json:"effects,omitempty"`
	Visited  bool           `json:"visited,omitempty"`
	Inactive bool           `json:"inactive,omitempty"`
}

// IsContainer reports whether the node groups other structural nodes.
func (n Node) IsContainer() bool { return n.Role == RoleContainer }

// HasTag reports whether the node carries tag.
func (n Node) HasTag(tag string) bool {
	_, found := slices.BinarySearch(n.Tags, tag)
	return found
}

// Clone returns a deep copy.
func (n Node) Clone() Node {
	out := n
	out.Tags = slices.Clone(n.Tags)
	out.Classes = slices.Clone(n.Classes)
	out.Effects = slices.Clone(n.Effects)
	if n.Attrs != nil {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = cloneValue(v)
		}
	}
	return out
}

// EdgeKind classifies an edge.
type EdgeKind string

const (
	// EdgeChoice drives the cursor.
	EdgeChoice EdgeKind = "choice"
	// EdgeDependency is an unresolved slot requiring a resource.
	EdgeDependency EdgeKind = "dependency"
	// EdgeAffordance advertises a resource as available at a structural node.
	EdgeAffordance EdgeKind = "affordance"
	// EdgeProvenance links an effect back to the rule that produced it.
	EdgeProvenance EdgeKind = "provenance"
)

// Trigger says when a choice edge fires.
type Trigger string

const (
	// TriggerManual edges wait for the caller to select them.
	TriggerManual Trigger = "manual"
	// TriggerPrereq edges redirect the destination before entry.
	TriggerPrereq Trigger = "prereq"
	// TriggerPostreq edges auto-advance after entry.
	TriggerPostreq Trigger = "postreq"
	// TriggerReset edges are authored reset affordances of a container.
	TriggerReset Trigger = "reset"
)

// Policy selects how a requirement may be satisfied.
type Policy string

const (
	// PolicyReuse prefers binding an existing resource.
	PolicyReuse Policy = "reuse"
	// PolicyCreate forces a fresh resource and ignores reuse offers.
	PolicyCreate Policy = "create"
)

// Criteria matches nodes.
type Criteria struct {
	Kind            Kind           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Label           string         `json:"label,omitempty" yaml:"label,omitempty"`
	Tags            []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Attrs           map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Parent          string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	IncludeInactive bool           `json:"include_inactive,omitempty" yaml:"include_inactive,omitempty"`
}

// Matches reports whether n satisfies every set criterion.
func (c Criteria) Matches(n Node) bool {
	if !c.MatchesShape(n) {
		return false
	}
	for key, want := range c.Attrs {
		got, ok := n.Attrs[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// MatchesShape applies every criterion except attribute values.
func (c Criteria) MatchesShape(n Node) bool {
	if n.Inactive && !c.IncludeInactive {
		return false
	}
	if c.Kind != "" && n.Kind != c.Kind {
		return false
	}
	if c.Label != "" && n.Label != c.Label {
		return false
	}
	if c.Parent != "" && n.Parent != c.Parent {
		return false
	}
	for _, tag := range c.Tags {
		if !n.HasTag(tag) {
			return false
		}
	}
	return true
}

// RequirementSpec is the policy and matching data carried by a dependency edge.
type RequirementSpec struct {
	Hard     bool     `json:"hard,omitempty"`
	Policy   Policy   `json:"policy,omitempty"`
	Criteria Criteria `json:"criteria"`
	Template *Node    `json:"template,omitempty"`
}

// Edge is a directed, typed relation between two nodes.
type Edge struct {
	ID          string           `json:"id"`
	Seq         uint64           `json:"seq"`
	Kind        EdgeKind         `json:"kind"`
	Source      string           `json:"source"`
	Dest        string           `json:"dest,omitempty"`
	Label       string           `json:"label,omitempty"`
	Trigger     Trigger          `json:"trigger,omitempty"`
	Guard       string           `json:"guard,omitempty"`
	Effects     []string         `json:"effects,omitempty"`
	Requirement *RequirementSpec `json:"requirement,omitempty"`
	Waived      bool             `json:"waived,omitempty"`
	Frozen      bool             `json:"frozen,omitempty"`
}

// Unresolved reports whether a dependency edge still needs a binding.
func (e Edge) Unresolved() bool {
	return e.Kind == EdgeDependency && e.Dest == "" && !e.Waived
}

// Clone returns a deep copy.
func (e Edge) Clone() Edge {
	out := e
	out.Effects = slices.Clone(e.Effects)
	if e.Requirement != nil {
		req := *e.Requirement
		req.Criteria.Tags = slices.Clone(req.Criteria.Tags)
		if req.Criteria.Attrs != nil {
			attrs := make(map[string]any, len(req.Criteria.Attrs))
			for k, v := range req.Criteria.Attrs {
				attrs[k] = cloneValue(v)
			}
			req.Criteria.Attrs = attrs
		}
		if req.Template != nil {
			tmpl := req.Template.Clone()
			req.Template = &tmpl
		}
		out.Requirement = &req
	}
	return out
}

// NormalizeTags trims, deduplicates and sorts a tag list.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
