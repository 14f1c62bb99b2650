// Package outbound implements the per-edge FIFO queue of messages waiting
// to be delivered and acknowledged.
//
// Each entry moves through QUEUED → SENT → ACKNOWLEDGED, or to FAILED when
// the queue is discarded by an explicit session teardown. Acknowledged
// entries leave the queue; unacknowledged ones are redelivered in their
// original order. Sequence numbers are assigned at Push and never reused
// within a queue.
//
// A Store can be attached so entries survive a restart (the edge_events
// table). Without one the queue is memory-only.
package outbound
