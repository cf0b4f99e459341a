package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the engine database. Immediate transactions plus a busy
// timeout serialize concurrent writers, which the alert store relies on for
// its per-key upsert guarantees.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; more connections just queue on the
	// busy handler.
	db.SetMaxOpenConns(1)
	return db, nil
}
