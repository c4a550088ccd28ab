package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS node_executions (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			plan_execution_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			version BIGINT NOT NULL,
			start_ts BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			doc JSON NOT NULL,
			INDEX idx_node_executions_plan (plan_execution_id, start_ts)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS interrupts (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			plan_execution_id VARCHAR(64) NOT NULL,
			node_execution_id VARCHAR(64) NOT NULL DEFAULT '',
			type VARCHAR(32) NOT NULL,
			state VARCHAR(32) NOT NULL,
			active_key VARCHAR(200) NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			doc JSON NOT NULL,
			UNIQUE KEY uniq_interrupts_active_key (active_key),
			INDEX idx_interrupts_plan (plan_execution_id, state),
			INDEX idx_interrupts_state (state, updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
}

// MySQLStore is a MySQL/Aurora implementation of Store.
//
// Designed for multi-worker deployments where several orchestrator
// processes share the same execution records. InnoDB allows any number of
// NULL values in a unique index, so only active exclusive interrupts claim
// an active_key.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore opens a pool for dsn, verifies it and migrates the schema.
//
// DSN format:
//
//	user:password@tcp(127.0.0.1:3306)/pipecore
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	inner, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: inner}, nil
}
