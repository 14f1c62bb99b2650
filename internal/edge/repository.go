package edge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines edge persistence operations.
type Repository interface {
	// GetByID returns ErrNotFound if the edge does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*Edge, error)

	// List returns all edges ordered by name.
	List(ctx context.Context) ([]*Edge, error)

	// Create returns ErrExists if the routing key is taken.
	Create(ctx context.Context, e *Edge) error

	// Update returns ErrNotFound if the edge does not exist.
	Update(ctx context.Context, e *Edge) error

	// Delete returns ErrNotFound if the edge does not exist.
	Delete(ctx context.Context, id uuid.UUID) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectEdge = `
	SELECT id, tenant_id, name, routing_key, secret_hash, customer_id, created_at, updated_at
	FROM edges`

// GetByID retrieves an edge by id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id uuid.UUID) (*Edge, error) {
	e, err := scanEdge(r.db.QueryRowContext(ctx, selectEdge+" WHERE id = ?", id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying edge by id: %w", err)
	}
	return e, nil
}

// List retrieves all edges.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Edge, error) {
	rows, err := r.db.QueryContext(ctx, selectEdge+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edges: %w", err)
	}
	return edges, nil
}

// Create inserts a new edge.
func (r *SQLiteRepository) Create(ctx context.Context, e *Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO edges (id, tenant_id, name, routing_key, secret_hash, customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.TenantID.String(), e.Name, e.RoutingKey, e.SecretHash,
		nullableUUID(e.CustomerID),
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting edge: %w", err)
	}
	return nil
}

// Update modifies an existing edge.
func (r *SQLiteRepository) Update(ctx context.Context, e *Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE edges SET
			tenant_id = ?, name = ?, routing_key = ?, secret_hash = ?,
			customer_id = ?, updated_at = ?
		WHERE id = ?`,
		e.TenantID.String(), e.Name, e.RoutingKey, e.SecretHash,
		nullableUUID(e.CustomerID), e.UpdatedAt.Format(time.RFC3339Nano),
		e.ID.String(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("updating edge: %w", err)
	}
	return requireRow(result)
}

// Delete removes an edge.
func (r *SQLiteRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM edges WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting edge: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEdge(scanner rowScanner) (*Edge, error) {
	var e Edge
	var id, tenantID, createdAt, updatedAt string
	var customerID sql.NullString

	if err := scanner.Scan(&id, &tenantID, &e.Name, &e.RoutingKey, &e.SecretHash,
		&customerID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing id %q: %w", id, err)
	}
	if e.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("parsing tenant_id %q: %w", tenantID, err)
	}
	if customerID.Valid && customerID.String != "" {
		if e.CustomerID, err = uuid.Parse(customerID.String); err != nil {
			return nil, fmt.Errorf("parsing customer_id %q: %w", customerID.String, err)
		}
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

func nullableUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
