// Package event intercepts graph mutations as events and canonicalizes one
// tick's events into a patch.
//
// Every write performed while a tick runs goes through a Mutator, which applies
// the change to the graph, records an Event with before and after values, and
// can roll the whole tick back. At FINALIZE the recorded events collapse into
// exactly one Patch: the unit of persistence and replay.
package event
