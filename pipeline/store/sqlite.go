package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS node_executions (
			id TEXT PRIMARY KEY,
			plan_execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			start_ts INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_plan ON node_executions(plan_execution_id, start_ts)`,
		`CREATE TABLE IF NOT EXISTS interrupts (
			id TEXT PRIMARY KEY,
			plan_execution_id TEXT NOT NULL,
			node_execution_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			active_key TEXT UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interrupts_plan ON interrupts(plan_execution_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_interrupts_state ON interrupts(state, updated_at)`,
	},
}

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps node executions and interrupts in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments that still need persistence
//
// SQLiteStore uses WAL mode and a single connection, so conditional updates
// are serialized by SQLite itself; the version guard still applies.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema.
//
// The path parameter specifies the database file location:
//   - "./pipecore.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./pipecore.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	inner, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: inner, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}
