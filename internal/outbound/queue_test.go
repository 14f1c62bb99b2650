package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/entity/entitytest"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

func deleteMsg() *protocol.Message {
	return protocol.NewDelete(uuid.New(), entity.TypeDevice)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	ctx := context.Background()

	var ids []uuid.UUID
	for range 5 {
		m := deleteMsg()
		ids = append(ids, m.ID)
		if _, err := q.Push(ctx, m); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	pending := q.Pending(0)
	if len(pending) != 5 {
		t.Fatalf("Pending(0) = %d entries, want 5", len(pending))
	}
	for i, e := range pending {
		if e.Message.ID != ids[i] {
			t.Errorf("entry %d = %s, want %s", i, e.Message.ID, ids[i])
		}
		if e.Seq != uint64(i+1) || e.Message.Seq != e.Seq {
			t.Errorf("entry %d seq = %d (message %d)", i, e.Seq, e.Message.Seq)
		}
		if e.Status != StatusQueued {
			t.Errorf("entry %d status = %s", i, e.Status)
		}
	}

	if got := q.Pending(2); len(got) != 2 || got[0].Seq != 1 {
		t.Errorf("Pending(2) = %+v", got)
	}
}

func TestQueue_SentAndAck(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	ctx := context.Background()

	for range 3 {
		q.Push(ctx, deleteMsg()) //nolint:errcheck // memory queue
	}

	if err := q.MarkSent(ctx, 2); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := q.Ack(ctx, 2); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}

	pending := q.Pending(0)
	if pending[0].Seq != 1 || pending[1].Seq != 3 {
		t.Errorf("order after ack = %d,%d", pending[0].Seq, pending[1].Seq)
	}

	if err := q.Ack(ctx, 2); !errors.Is(err, ErrUnknownSeq) {
		t.Errorf("second Ack() error = %v, want ErrUnknownSeq", err)
	}
	if err := q.MarkSent(ctx, 99); !errors.Is(err, ErrUnknownSeq) {
		t.Errorf("MarkSent(unknown) error = %v, want ErrUnknownSeq", err)
	}
}

func TestQueue_ReadySignal(t *testing.T) {
	q := NewQueue(uuid.New(), nil)

	select {
	case <-q.Ready():
		t.Fatal("Ready() signalled on empty queue")
	default:
	}

	q.Push(context.Background(), deleteMsg()) //nolint:errcheck // memory queue
	q.Push(context.Background(), deleteMsg()) //nolint:errcheck // memory queue

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("Ready() not signalled after Push")
	}
}

func TestQueue_CloseDiscards(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	ctx := context.Background()

	q.Push(ctx, deleteMsg()) //nolint:errcheck // memory queue
	q.Push(ctx, deleteMsg()) //nolint:errcheck // memory queue

	failed, err := q.Close(ctx)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("Close() returned %d entries, want 2", len(failed))
	}
	for _, e := range failed {
		if e.Status != StatusFailed {
			t.Errorf("discarded entry status = %s, want failed", e.Status)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Close = %d", q.Len())
	}
	if _, err := q.Push(ctx, deleteMsg()); !errors.Is(err, ErrClosed) {
		t.Errorf("Push() after Close error = %v, want ErrClosed", err)
	}
}

func TestQueue_PersistAndRestore(t *testing.T) {
	db := entitytest.OpenDB(t)
	store := NewSQLiteStore(db.DB)
	ctx := context.Background()
	edgeID := uuid.New()

	q := NewQueue(edgeID, store)
	view := &entity.Entity{ID: uuid.New(), Type: entity.TypeEntityView, Name: "persisted"}
	if _, err := q.Push(ctx, protocol.FromEntity(protocol.KindCreate, view)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	q.Push(ctx, deleteMsg()) //nolint:errcheck // checked via Restore
	q.Push(ctx, deleteMsg()) //nolint:errcheck // checked via Restore

	q.MarkSent(ctx, 1) //nolint:errcheck // checked via Restore
	q.MarkSent(ctx, 2) //nolint:errcheck // checked via Restore
	if err := q.Ack(ctx, 2); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	// A new queue for the same edge picks up where the old one stopped.
	restored := NewQueue(edgeID, store)
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Restore() = %d entries, want 2", n)
	}

	pending := restored.Pending(0)
	if pending[0].Seq != 1 || pending[1].Seq != 3 {
		t.Errorf("restored seqs = %d,%d, want 1,3", pending[0].Seq, pending[1].Seq)
	}
	if pending[0].Status != StatusQueued || pending[0].Attempts != 1 {
		t.Errorf("restored sent entry = %s attempts %d, want queued/1", pending[0].Status, pending[0].Attempts)
	}
	if pending[0].Message.Entity == nil || pending[0].Message.Entity.Name != "persisted" {
		t.Errorf("restored payload = %+v", pending[0].Message.Entity)
	}

	next, err := restored.Push(ctx, deleteMsg())
	if err != nil {
		t.Fatalf("Push() after Restore error = %v", err)
	}
	if next.Seq != 4 {
		t.Errorf("next seq = %d, want 4", next.Seq)
	}

	if _, err := restored.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	loaded, err := store.Load(ctx, edgeID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("persisted entries after Close = %d, want 0", len(loaded))
	}
}
