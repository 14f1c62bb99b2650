// Package mutation applies administrative changes to the entity graph and
// the edge registry.
//
// Every operation follows the same sequence under the key lock of the
// entity it changes: capture the edges that hold the entity and its
// inheriting descendants, write the store, update the relationship graph,
// dispatch the derived messages and cascade to the descendants. Callers
// therefore observe either none or all of a change's messages queued when
// the operation returns.
package mutation
