// Package session manages one sync session per edge.
//
// A session owns the edge's outbound queue, the mirror of entity ids the
// edge holds, and two goroutines:
//
//   - a sender that drains the queue in order while the edge is connected,
//     waits for the edge to acknowledge each batch and retries with backoff
//     when it does not;
//   - an inbound worker that hands received messages to the uplink handler
//     one at a time, in arrival order.
//
// Sessions move between DISCONNECTED, CONNECTED and SYNCING (a full sync in
// progress). Disconnecting keeps the queue; only Close discards it.
//
// # Transports
//
// The Manager does not know how frames travel. MQTTTransport carries them
// over the broker topics edgesync/edge/{routingKey}/...; MemoryTransport
// connects in-process edges for tests.
package session
