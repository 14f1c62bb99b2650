// Package entitytest opens migrated in-memory stores for tests in other
// packages.
package entitytest

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-edgesync/migrations" // registers the embedded schema
)

// Tenant is the tenant used by the helpers below.
var Tenant = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// OpenDB opens a private in-memory database with all migrations applied.
// The database is closed when the test ends.
func OpenDB(t testing.TB) *database.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// OpenStore returns an entity store over a fresh migrated database.
func OpenStore(t testing.TB) (*entity.SQLiteStore, *database.DB) {
	t.Helper()
	db := OpenDB(t)
	return entity.NewSQLiteStore(db.DB), db
}

// New builds an unsaved entity with a fresh v7 id in Tenant.
func New(typ entity.Type, name string) *entity.Entity {
	return &entity.Entity{
		ID:       uuid.Must(uuid.NewV7()),
		TenantID: Tenant,
		Type:     typ,
		Name:     name,
	}
}

// Seed stores e and, when edgeID is not uuid.Nil, assigns it to that edge.
func Seed(t testing.TB, store entity.Store, e *entity.Entity, edgeID uuid.UUID) *entity.Entity {
	t.Helper()
	ctx := context.Background()
	if err := store.Upsert(ctx, e); err != nil {
		t.Fatalf("seeding %s %q: %v", e.Type, e.Name, err)
	}
	if edgeID != uuid.Nil {
		if err := store.AssignEdge(ctx, e.ID, edgeID); err != nil {
			t.Fatalf("assigning %q to edge: %v", e.Name, err)
		}
		e.EdgeID = edgeID
	}
	return e
}
