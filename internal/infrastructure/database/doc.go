// Package database provides SQLite connectivity for the FeeServer history
// tables: the message log, the command audit trail and device state
// transitions.
//
// The schema lives in the top-level migrations package as embedded SQL files
// and is applied with DB.Migrate at startup.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
