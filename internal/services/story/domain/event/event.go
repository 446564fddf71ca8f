package event

import (
	"encoding/json"
)

// Op is the mutation verb.
type Op string

const (
	OpCreate Op = "create"
	OpRead   Op = "read"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entity names the kind of target an event addresses.
type Entity string

const (
	EntityGraph    Entity = "graph"
	EntityNode     Entity = "node"
	EntityEdge     Entity = "edge"
	EntityFragment Entity = "fragment"
	// EntityExternal records the result of a call outside the engine so replay
	// can substitute it instead of calling again.
	EntityExternal Entity = "external"
)

// Event is one atomic mutation on one entity.
type Event struct {
	Seq       uint64          `json:"seq"`
	Op        Op              `json:"op"`
	Entity    Entity          `json:"entity"`
	Target    string          `json:"target"`
	Attribute string          `json:"attribute,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Source    string          `json:"source,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Key identifies the (entity, target, attribute) slot an event writes.
type Key struct {
	Entity    Entity
	Target    string
	Attribute string
}

// Key returns the slot written by the event.
func (e Event) Key() Key {
	return Key{Entity: e.Entity, Target: e.Target, Attribute: e.Attribute}
}

// Transition identifies the choice that produced a patch.
type Transition struct {
	Edge      string   `json:"edge"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Redirects []string `json:"redirects,omitempty"`
}

// Patch is the canonicalized event set of one tick.
type Patch struct {
	GraphID    string     `json:"graph_id"`
	Tick       uint64     `json:"tick"`
	Seed       int64      `json:"seed"`
	Transition Transition `json:"transition"`
	Events     []Event    `json:"events"`
	Counter    uint64     `json:"counter"`
	StateHash  string     `json:"state_hash"`
	PrevHash   string     `json:"prev_hash,omitempty"`
	Hash       string     `json:"hash"`
}

// ExternalResult is the recorded outcome of a call outside the engine.
type ExternalResult struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}
