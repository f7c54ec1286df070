// Package database provides the SQLite store the device client keeps local
// state in.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Forward-only schema migrations read from an fs.FS
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql and applied
// in filename order, each in its own transaction. Applied versions are
// recorded in schema_migrations.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
