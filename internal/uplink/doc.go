// Package uplink applies messages received from edges to the authority's
// entity graph.
//
// Every structurally valid message is answered with exactly one RESPONSE on
// the originating edge's queue. Creates whose name collides with a
// different entity are never applied over it: the Resolver allocates a new
// identifier and name, the origin is told through the RESPONSE and a
// corrective CREATE, and the authority keeps both entities.
//
// Messages of one edge must be handled in arrival order; the session
// package guarantees that by giving each edge a single inbound worker.
package uplink
