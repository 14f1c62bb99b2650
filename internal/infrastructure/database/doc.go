// Package database provides SQLite connectivity for the edge sync service.
//
// This package manages:
//   - Database connection with WAL mode and foreign keys
//   - Embedded schema migrations (see the migrations package)
//   - Transaction helpers used by the entity, edge, queue and audit stores
//
// The pool is pinned to one connection. Every store shares it, so store
// writes are serialised in the order callers issue them.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
