package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// Status is the lifecycle state of a queue entry.
type Status string

// Entry states.
const (
	StatusQueued       Status = "queued"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Entry is one queued message.
type Entry struct {
	Seq        uint64
	Message    *protocol.Message
	Status     Status
	Attempts   int
	EnqueuedAt time.Time
}

// Queue is the outbound FIFO of a single edge. It is safe for concurrent
// use: dispatchers push while the session sender drains.
type Queue struct {
	mu      sync.Mutex
	edgeID  uuid.UUID
	entries []*Entry
	nextSeq uint64
	closed  bool
	ready   chan struct{}
	store   Store
}

// NewQueue creates an empty queue for edgeID. store may be nil.
func NewQueue(edgeID uuid.UUID, store Store) *Queue {
	return &Queue{
		edgeID:  edgeID,
		nextSeq: 1,
		ready:   make(chan struct{}, 1),
		store:   store,
	}
}

// EdgeID returns the edge this queue delivers to.
func (q *Queue) EdgeID() uuid.UUID {
	return q.edgeID
}

// Push appends msg to the tail of the queue and wakes the sender.
//
// Parameters:
//   - ctx: Context for the persistence write
//   - msg: Message to deliver; a copy carrying the sequence is stored
//
// Returns:
//   - Entry: Snapshot of the queued entry
//   - error: ErrClosed, or a persistence failure (the entry is not queued)
func (q *Queue) Push(ctx context.Context, msg *protocol.Message) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Entry{}, ErrClosed
	}

	e := &Entry{
		Seq:        q.nextSeq,
		Message:    msg.WithSeq(q.nextSeq),
		Status:     StatusQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	if q.store != nil {
		if err := q.store.Append(ctx, q.edgeID, e); err != nil {
			return Entry{}, fmt.Errorf("persisting queue entry: %w", err)
		}
	}

	q.nextSeq++
	q.entries = append(q.entries, e)
	q.signal()
	return *e, nil
}

// Pending returns up to n unacknowledged entries from the head, oldest
// first. n <= 0 returns all of them.
func (q *Queue) Pending(n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Entry, n)
	for i := range n {
		out[i] = *q.entries[i]
	}
	return out
}

// MarkSent records a delivery attempt of the entry.
func (q *Queue) MarkSent(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.find(seq)
	if e == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSeq, seq)
	}
	e.Status = StatusSent
	e.Attempts++

	if q.store != nil {
		if err := q.store.Update(ctx, q.edgeID, e.Seq, e.Status, e.Attempts); err != nil {
			return fmt.Errorf("persisting sent status: %w", err)
		}
	}
	return nil
}

// Ack removes an acknowledged entry from the queue.
func (q *Queue) Ack(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Seq != seq {
			continue
		}
		e.Status = StatusAcknowledged
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		if q.store != nil {
			if err := q.store.Delete(ctx, q.edgeID, seq); err != nil {
				return fmt.Errorf("removing acknowledged entry: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownSeq, seq)
}

// Len returns the number of unacknowledged entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Ready is signalled after every Push and Restore. The channel has a buffer
// of one, so a sender that was busy still sees the latest signal.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Restore loads persisted entries, for example after a restart. Entries
// that had been sent but not acknowledged are queued again for redelivery.
// Restore is a no-op without a store.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}

	loaded, err := q.store.Load(ctx, q.edgeID)
	if err != nil {
		return 0, fmt.Errorf("loading queue entries: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = q.entries[:0]
	for _, e := range loaded {
		if e.Status == StatusSent {
			e.Status = StatusQueued
		}
		q.entries = append(q.entries, e)
		if e.Seq >= q.nextSeq {
			q.nextSeq = e.Seq + 1
		}
	}
	if len(q.entries) > 0 {
		q.signal()
	}
	return len(q.entries), nil
}

// Close discards every unacknowledged entry and rejects further pushes.
// The discarded entries are returned marked FAILED.
func (q *Queue) Close(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil
	}
	q.closed = true

	failed := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		e.Status = StatusFailed
		failed[i] = *e
	}
	q.entries = nil

	if q.store != nil {
		if err := q.store.DeleteAll(ctx, q.edgeID); err != nil {
			return failed, fmt.Errorf("discarding persisted entries: %w", err)
		}
	}
	return failed, nil
}

func (q *Queue) find(seq uint64) *Entry {
	for _, e := range q.entries {
		if e.Seq == seq {
			return e
		}
	}
	return nil
}

// signal wakes the sender without blocking. Caller holds q.mu.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
