// Package entity holds the canonical entity graph kept by the authority.
//
// Entities are devices, assets, views over devices and assets, customers and
// edges. Each has a 128-bit identifier, a display name that is unique per
// (tenant, type), an optional owner reference, an optional customer and at
// most one edge assignment.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                      Entity Store                         │
//	│                                                           │
//	│  ┌──────────────────┐        ┌──────────────────────┐     │
//	│  │      Store       │        │     SQLiteStore      │     │
//	│  │   (store.go)     │───────▶│ entities             │     │
//	│  │                  │        │ edge_assignments     │     │
//	│  └──────────────────┘        └──────────────────────┘     │
//	└───────────────────────────────────────────────────────────┘
//	          ▲                  ▲                  ▲
//	          │                  │                  │
//	     graph.Rebuild     uplink.Processor   mutation.Service
//
// The store does not emit sync messages. Callers write the store, update the
// relationship graph and only then hand the change to the downlink
// dispatcher.
//
// # Key Types
//
//   - Entity: one node of the graph
//   - Ref: an (id, type) pair used for owner references
//   - ChangeKind: what happened to an entity, shared by graph and dispatcher
//   - PageLink / Page: offset pagination over store listings
package entity
