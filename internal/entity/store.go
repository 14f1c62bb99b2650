package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store defines entity persistence operations.
// This abstraction allows the sync engine to be tested against an
// in-memory SQLite database or a mock.
type Store interface {
	// Get retrieves an entity by id.
	// Returns ErrNotFound if the entity does not exist.
	Get(ctx context.Context, id uuid.UUID) (*Entity, error)

	// GetByName retrieves an entity by its (tenant, type, name) key.
	// Returns ErrNotFound if no entity uses the name.
	GetByName(ctx context.Context, tenantID uuid.UUID, typ Type, name string) (*Entity, error)

	// Upsert inserts the entity or replaces the stored record with the same
	// id, bumping its version. Returns ErrNameTaken if a different entity of
	// the same tenant and type already uses the name.
	Upsert(ctx context.Context, e *Entity) error

	// Delete removes an entity and its edge assignment.
	// Returns ErrNotFound if the entity does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListAssignedToEdge pages through entities directly assigned to an edge.
	ListAssignedToEdge(ctx context.Context, edgeID uuid.UUID, link PageLink) (*Page, error)

	// List pages through all entities ordered by id.
	List(ctx context.Context, link PageLink) (*Page, error)

	// ListByOwner returns the entities owned by owner, optionally filtered
	// by type (an empty type matches all).
	ListByOwner(ctx context.Context, owner uuid.UUID, typ Type) ([]*Entity, error)

	// AssignEdge assigns the entity to edgeID, replacing any previous
	// assignment. Returns ErrNotFound if the entity does not exist.
	AssignEdge(ctx context.Context, entityID, edgeID uuid.UUID) error

	// UnassignEdge removes the entity's edge assignment, if any.
	UnassignEdge(ctx context.Context, entityID uuid.UUID) error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectColumns = `
	SELECT e.id, e.tenant_id, e.type, e.name, e.subtype, e.owner_id, e.owner_type,
		e.customer_id, e.additional_info, e.version, e.created_at, e.updated_at,
		a.edge_id
	FROM entities e
	LEFT JOIN edge_assignments a ON a.entity_id = e.id`

// Get retrieves an entity by id.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE e.id = ?", id.String())
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying entity by id: %w", err)
	}
	return e, nil
}

// GetByName retrieves an entity by its unique name key.
func (s *SQLiteStore) GetByName(ctx context.Context, tenantID uuid.UUID, typ Type, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+" WHERE e.tenant_id = ? AND e.type = ? AND e.name = ?",
		tenantID.String(), string(typ), name,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying entity by name: %w", err)
	}
	return e, nil
}

// Upsert inserts or replaces an entity. On success e.Version, e.CreatedAt
// and e.UpdatedAt reflect the stored row.
func (s *SQLiteStore) Upsert(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	info := e.AdditionalInfo
	if info == nil {
		info = map[string]any{}
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshalling additional_info: %w", err)
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	var ownerID, ownerType sql.NullString
	if e.Owner != nil {
		ownerID = sql.NullString{String: e.Owner.ID.String(), Valid: true}
		ownerType = sql.NullString{String: string(e.Owner.Type), Valid: true}
	}

	query := `
		INSERT INTO entities (
			id, tenant_id, type, name, subtype, owner_id, owner_type,
			customer_id, additional_info, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			type = excluded.type,
			name = excluded.name,
			subtype = excluded.subtype,
			owner_id = excluded.owner_id,
			owner_type = excluded.owner_type,
			customer_id = excluded.customer_id,
			additional_info = excluded.additional_info,
			version = entities.version + 1,
			updated_at = excluded.updated_at
		RETURNING version, created_at`

	var createdAt string
	err = s.db.QueryRowContext(ctx, query,
		e.ID.String(),
		e.TenantID.String(),
		string(e.Type),
		e.Name,
		nullableString(e.Subtype),
		ownerID,
		ownerType,
		nullableUUID(e.CustomerID),
		string(infoJSON),
		e.CreatedAt.Format(time.RFC3339Nano),
		e.UpdatedAt.Format(time.RFC3339Nano),
	).Scan(&e.Version, &createdAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %q", ErrNameTaken, e.Type, e.Name)
		}
		return fmt.Errorf("upserting entity: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		e.CreatedAt = t
	}
	return nil
}

// Delete removes an entity. The edge assignment goes with it through the
// foreign key cascade.
func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting entity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAssignedToEdge pages through the entities directly assigned to an edge.
func (s *SQLiteStore) ListAssignedToEdge(ctx context.Context, edgeID uuid.UUID, link PageLink) (*Page, error) {
	return s.page(ctx, "WHERE a.edge_id = ?", link, edgeID.String())
}

// List pages through all entities.
func (s *SQLiteStore) List(ctx context.Context, link PageLink) (*Page, error) {
	return s.page(ctx, "", link)
}

// ListByOwner returns the entities owned by owner.
func (s *SQLiteStore) ListByOwner(ctx context.Context, owner uuid.UUID, typ Type) ([]*Entity, error) {
	if typ == "" {
		return s.queryEntities(ctx, selectColumns+" WHERE e.owner_id = ? ORDER BY e.id", owner.String())
	}
	return s.queryEntities(ctx,
		selectColumns+" WHERE e.owner_id = ? AND e.type = ? ORDER BY e.id",
		owner.String(), string(typ),
	)
}

// AssignEdge records the entity's edge assignment.
func (s *SQLiteStore) AssignEdge(ctx context.Context, entityID, edgeID uuid.UUID) error {
	exists, err := s.exists(ctx, entityID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edge_assignments (entity_id, edge_id, assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			edge_id = excluded.edge_id,
			assigned_at = excluded.assigned_at`,
		entityID.String(), edgeID.String(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("assigning entity to edge: %w", err)
	}
	return nil
}

// UnassignEdge removes the entity's edge assignment. Removing an assignment
// that does not exist is not an error.
func (s *SQLiteStore) UnassignEdge(ctx context.Context, entityID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM edge_assignments WHERE entity_id = ?", entityID.String()); err != nil {
		return fmt.Errorf("unassigning entity from edge: %w", err)
	}
	return nil
}

// page runs a paginated listing with an optional WHERE clause.
func (s *SQLiteStore) page(ctx context.Context, where string, link PageLink, args ...any) (*Page, error) {
	link = link.normalised()

	countQuery := "SELECT COUNT(*) FROM entities e LEFT JOIN edge_assignments a ON a.entity_id = e.id " + where
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting entities: %w", err)
	}

	query := selectColumns + " " + where + " ORDER BY e.id LIMIT ? OFFSET ?"
	args = append(args, link.PageSize, link.Page*link.PageSize)
	data, err := s.queryEntities(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return &Page{
		Data:    data,
		Total:   total,
		HasNext: (link.Page+1)*link.PageSize < total,
	}, nil
}

func (s *SQLiteStore) queryEntities(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

func (s *SQLiteStore) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE id = ?", id.String()).Scan(&count); err != nil {
		return false, fmt.Errorf("checking entity existence: %w", err)
	}
	return count > 0, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(scanner rowScanner) (*Entity, error) {
	var e Entity
	var id, tenantID, typ, infoJSON, createdAt, updatedAt string
	var subtype, ownerID, ownerType, customerID, edgeID sql.NullString

	err := scanner.Scan(
		&id, &tenantID, &typ, &e.Name, &subtype, &ownerID, &ownerType,
		&customerID, &infoJSON, &e.Version, &createdAt, &updatedAt,
		&edgeID,
	)
	if err != nil {
		return nil, err
	}

	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing id %q: %w", id, err)
	}
	if e.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("parsing tenant_id %q: %w", tenantID, err)
	}
	e.Type = Type(typ)
	e.Subtype = subtype.String

	if ownerID.Valid {
		oid, perr := uuid.Parse(ownerID.String)
		if perr != nil {
			return nil, fmt.Errorf("parsing owner_id %q: %w", ownerID.String, perr)
		}
		e.Owner = &Ref{ID: oid, Type: Type(ownerType.String)}
	}
	if e.CustomerID, err = parseNullableUUID(customerID); err != nil {
		return nil, fmt.Errorf("parsing customer_id: %w", err)
	}
	if e.EdgeID, err = parseNullableUUID(edgeID); err != nil {
		return nil, fmt.Errorf("parsing edge_id: %w", err)
	}

	if infoJSON != "" {
		if err := json.Unmarshal([]byte(infoJSON), &e.AdditionalInfo); err != nil {
			return nil, fmt.Errorf("unmarshalling additional_info: %w", err)
		}
	}
	if len(e.AdditionalInfo) == 0 {
		e.AdditionalInfo = nil
	}

	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

func parseNullableUUID(s sql.NullString) (uuid.UUID, error) {
	if !s.Valid || s.String == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s.String)
}

// nullableUUID stores uuid.Nil as NULL.
func nullableUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// nullableString returns a sql.NullString for optional text columns.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
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
