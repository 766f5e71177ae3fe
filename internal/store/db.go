package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the bridge-owned hivelink.db. It
// holds instance mirrors and the message log for every workspace; the
// per-workspace credential databases belong to the protocol engine and
// are never touched here.
type DB struct {
	*sql.DB
}

// Open opens the bridge database in WAL mode. Supervisor transitions
// and relay inserts for different workspaces land on this one file, so
// writes are funneled through a single connection and readers wait out
// write bursts via the busy timeout.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
