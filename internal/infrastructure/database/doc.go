// Package database provides the SQLite store behind the audit journal.
//
// It manages:
//   - Opening a file-backed database in WAL mode, or ":memory:" for tests
//   - Versioned schema migrations read from any fs.FS
//   - Health checks and connection lifecycle
//
// The database file is created with 0600 permissions. All queries use
// parameterised statements.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	src := database.Source{FS: migrations.FS, Dir: "."}
//	if err := db.Migrate(ctx, src); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql, each with
// a matching .down.sql. Schema changes are additive: new columns are
// nullable or carry a default.
package database
