// Package graph holds the addressable node and typed edge registry that forms
// the latent story structure and resource space.
//
// The graph only grows: nodes are never deleted, only marked inactive, so every
// recorded patch remains applicable during replay. Cross references are stored
// as opaque ids resolved through the owning Graph, never as pointers, keeping
// the structure acyclic by construction for serialization.
//
// Containers (structural domains) own exactly one synthetic SOURCE and one SINK.
// Authored entry and exit points are rewritten as edges out of the SOURCE and
// into the SINK so every forward-progress question becomes a single-source,
// single-sink reachability query.
package graph
