// Package database provides SQLite connectivity for OKM Core.
//
// This package manages:
//   - The connection (WAL mode, busy timeout, foreign keys, single writer)
//   - Versioned schema migrations tracked in schema_migrations
//   - Health checks used at startup and by the observer API
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is restricted to 0600; it holds member contact details
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration Strategy:
//
// Migrations are additive. Each version ships an .up.sql and, where a
// rollback is meaningful, a .down.sql. The audit_log table is never
// rewritten by a migration; it is the billing record.
package database
