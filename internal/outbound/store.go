package outbound

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// Store persists queue entries so they survive a restart.
type Store interface {
	Append(ctx context.Context, edgeID uuid.UUID, e *Entry) error
	Update(ctx context.Context, edgeID uuid.UUID, seq uint64, status Status, attempts int) error
	Delete(ctx context.Context, edgeID uuid.UUID, seq uint64) error
	DeleteAll(ctx context.Context, edgeID uuid.UUID) error

	// Load returns the edge's entries ordered by sequence.
	Load(ctx context.Context, edgeID uuid.UUID) ([]*Entry, error)
}

// SQLiteStore implements Store over the edge_events table. Messages are
// stored as their CBOR frame.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed queue store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append inserts a new entry.
func (s *SQLiteStore) Append(ctx context.Context, edgeID uuid.UUID, e *Entry) error {
	payload, err := protocol.Marshal(e.Message)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edge_events (edge_id, seq, message_id, kind, payload, status, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		edgeID.String(), int64(e.Seq), e.Message.ID.String(), string(e.Message.Kind), //nolint:gosec // sequence fits in int64
		payload, string(e.Status), e.Attempts, e.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting edge event: %w", err)
	}
	return nil
}

// Update records a status change.
func (s *SQLiteStore) Update(ctx context.Context, edgeID uuid.UUID, seq uint64, status Status, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE edge_events SET status = ?, attempts = ? WHERE edge_id = ? AND seq = ?",
		string(status), attempts, edgeID.String(), int64(seq), //nolint:gosec // sequence fits in int64
	)
	if err != nil {
		return fmt.Errorf("updating edge event: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (s *SQLiteStore) Delete(ctx context.Context, edgeID uuid.UUID, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM edge_events WHERE edge_id = ? AND seq = ?",
		edgeID.String(), int64(seq), //nolint:gosec // sequence fits in int64
	)
	if err != nil {
		return fmt.Errorf("deleting edge event: %w", err)
	}
	return nil
}

// DeleteAll removes every entry of the edge.
func (s *SQLiteStore) DeleteAll(ctx context.Context, edgeID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM edge_events WHERE edge_id = ?", edgeID.String()); err != nil {
		return fmt.Errorf("deleting edge events: %w", err)
	}
	return nil
}

// Load returns the edge's entries in sequence order.
func (s *SQLiteStore) Load(ctx context.Context, edgeID uuid.UUID) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload, status, attempts, enqueued_at
		FROM edge_events
		WHERE edge_id = ?
		ORDER BY seq`,
		edgeID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying edge events: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var seq int64
		var payload []byte
		var status, enqueuedAt string
		if err := rows.Scan(&seq, &payload, &status, &e.Attempts, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning edge event: %w", err)
		}

		msg, err := protocol.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding edge event %d: %w", seq, err)
		}
		e.Seq = uint64(seq) //nolint:gosec // stored from a uint64
		e.Message = msg
		e.Status = Status(status)
		if e.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt); err != nil {
			return nil, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edge events: %w", err)
	}
	return entries, nil
}
