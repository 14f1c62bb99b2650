// Package downlink turns authority-side changes into per-edge messages.
//
// The Dispatcher is the only component that decides what an edge is told
// about a change:
//
//   - an edge that has never seen the entity gets CREATE, one that holds it
//     gets UPDATE;
//   - an edge that held the entity before the change and no longer does
//     gets DELETE;
//   - a deleted entity produces DELETE to every edge that held it, and the
//     entity leaves the relationship graph only after those are queued;
//   - customer changes travel inside the UPDATE payload, with the all-zero
//     customer id meaning "no customer".
//
// Callers write the entity store and the graph first and hold the entity's
// key lock while dispatching. The dispatcher never waits on delivery.
package downlink
