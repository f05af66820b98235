// Package database manages the relay's SQLite store.
//
// It opens the database with WAL journaling, foreign keys and a single
// pooled connection, applies schema migrations embedded in the binary, and
// offers small helpers (WithTx, Querier, time and NULL conversions) shared by
// the repositories.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/relay.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
