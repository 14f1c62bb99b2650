// Package graph keeps the in-memory relationship index used to decide which
// edges a mutation affects.
//
// The index mirrors three relations held in the entity store: the direct
// edge assignment of each entity, the owner of each entity and the type of
// each entity. From those it answers AffectedEdges: the set of edges that
// currently hold an entity.
//
// # Sync policies
//
//   - PolicyDirect: an entity is held only by the edge it is assigned to.
//   - PolicyInheritOwner: an entity is also held by every edge holding its
//     owner. Types are opted in through sync.inherit_owner_types.
//
// Writers update the entity store first and then call OnMutation with the
// stored record, so a query issued right after the write reflects it.
package graph
