package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/pipecore/pipeline"
)

// maxCASAttempts bounds how often ConditionalUpdate re-reads and re-validates
// after losing a version race before returning ErrContention.
const maxCASAttempts = 8

// dialect captures what differs between the SQL backends: DDL and the
// placeholder syntax.
type dialect struct {
	name       string
	schema     []string
	positional bool // $1, $2, ... instead of ?
}

// sqlStore is the shared database/sql implementation behind SQLiteStore,
// MySQLStore and PostgresStore.
//
// Each record is stored as a JSON document next to the columns the store
// filters on. Conditional updates are a single UPDATE guarded by both the
// record version and the allowed status set, so at most one concurrent
// writer wins. Interrupt exclusivity is enforced by a unique, nullable
// active_key column.
type sqlStore struct {
	db     *sql.DB
	d      dialect
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, now: time.Now}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// rebind rewrites ? placeholders for dialects that use positional ones.
func (s *sqlStore) rebind(query string) string {
	if !s.d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// CreateNodeExecution implements NodeExecutionStore.
func (s *sqlStore) CreateNodeExecution(ctx context.Context, node pipeline.NodeExecution) (pipeline.NodeExecution, error) {
	if err := s.checkOpen(); err != nil {
		return pipeline.NodeExecution{}, err
	}
	prepared, err := prepareNode(node, uuid.NewString, s.now())
	if err != nil {
		return pipeline.NodeExecution{}, err
	}
	doc, err := json.Marshal(prepared)
	if err != nil {
		return pipeline.NodeExecution{}, fmt.Errorf("failed to marshal node execution: %w", err)
	}

	query := s.rebind(`
		INSERT INTO node_executions (id, plan_execution_id, status, version, start_ts, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		prepared.ID, prepared.PlanExecutionID, string(prepared.Status), prepared.Version,
		prepared.StartTs.UnixNano(), prepared.LastUpdatedAt.UnixNano(), string(doc))
	if err != nil {
		if _, getErr := s.GetNodeExecution(ctx, prepared.ID); getErr == nil {
			return pipeline.NodeExecution{}, fmt.Errorf("node execution %s: %w", prepared.ID, ErrAlreadyExists)
		}
		return pipeline.NodeExecution{}, fmt.Errorf("failed to insert node execution: %w", err)
	}
	return prepared, nil
}

// GetNodeExecution implements NodeExecutionStore.
func (s *sqlStore) GetNodeExecution(ctx context.Context, id string) (pipeline.NodeExecution, error) {
	if err := s.checkOpen(); err != nil {
		return pipeline.NodeExecution{}, err
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM node_executions WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.NodeExecution{}, fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return pipeline.NodeExecution{}, fmt.Errorf("failed to query node execution: %w", err)
	}
	return decodeNode(doc)
}

// ConditionalUpdate implements NodeExecutionStore.
//
// The read-validate-write cycle is retried when another writer bumps the
// version in between; the allowed set is re-evaluated against the fresh
// record on every attempt.
func (s *sqlStore) ConditionalUpdate(ctx context.Context, id string, target pipeline.Status, allowedFrom pipeline.StatusSet, mutate Mutation, guards ...Guard) (pipeline.NodeExecution, bool, error) {
	if err := validateTransition(target, allowedFrom); err != nil {
		return pipeline.NodeExecution{}, false, err
	}

	allowed := allowedFrom.Slice()
	query := s.rebind(`
		UPDATE node_executions
		SET status = ?, version = ?, updated_at = ?, doc = ?
		WHERE id = ? AND version = ? AND status IN (` + placeholders(len(allowed)) + `)
	`)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.GetNodeExecution(ctx, id)
		if err != nil {
			return pipeline.NodeExecution{}, false, err
		}
		if !admits(current, allowedFrom, guards) {
			return current, false, nil
		}

		next, err := applyMutation(current, target, mutate, s.now())
		if err != nil {
			return pipeline.NodeExecution{}, false, err
		}
		doc, err := json.Marshal(next)
		if err != nil {
			return pipeline.NodeExecution{}, false, fmt.Errorf("failed to marshal node execution: %w", err)
		}

		args := []interface{}{string(next.Status), next.Version, next.LastUpdatedAt.UnixNano(), string(doc), id, current.Version}
		for _, st := range allowed {
			args = append(args, string(st))
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return pipeline.NodeExecution{}, false, fmt.Errorf("failed to update node execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return pipeline.NodeExecution{}, false, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 1 {
			return next, true, nil
		}
	}
	return pipeline.NodeExecution{}, false, fmt.Errorf("node execution %s: %w", id, ErrContention)
}

// ListByPlan implements NodeExecutionStore.
func (s *sqlStore) ListByPlan(ctx context.Context, planExecutionID string) ([]pipeline.NodeExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT doc FROM node_executions
		WHERE plan_execution_id = ?
		ORDER BY start_ts, id
	`), planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]pipeline.NodeExecution, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		node, err := decodeNode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// CreateInterrupt implements InterruptStore.
func (s *sqlStore) CreateInterrupt(ctx context.Context, interrupt pipeline.Interrupt) (pipeline.Interrupt, error) {
	if err := s.checkOpen(); err != nil {
		return pipeline.Interrupt{}, err
	}
	prepared, err := prepareInterrupt(interrupt, uuid.NewString, s.now())
	if err != nil {
		return pipeline.Interrupt{}, err
	}
	doc, err := json.Marshal(prepared)
	if err != nil {
		return pipeline.Interrupt{}, fmt.Errorf("failed to marshal interrupt: %w", err)
	}
	key := activeKey(prepared)

	query := s.rebind(`
		INSERT INTO interrupts (id, plan_execution_id, node_execution_id, type, state, active_key, created_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		prepared.ID, prepared.PlanExecutionID, prepared.NodeExecutionID, string(prepared.Type), string(prepared.State),
		nullString(key), prepared.CreatedAt.UnixNano(), prepared.LastUpdatedAt.UnixNano(), string(doc))
	if err != nil {
		if key != "" {
			var holder string
			lookup := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM interrupts WHERE active_key = ?`), key).Scan(&holder)
			if lookup == nil {
				return pipeline.Interrupt{}, fmt.Errorf("interrupt %s blocks %s: %w", holder, prepared.Type, ErrActiveInterruptExists)
			}
		}
		if _, getErr := s.GetInterrupt(ctx, prepared.ID); getErr == nil {
			return pipeline.Interrupt{}, fmt.Errorf("interrupt %s: %w", prepared.ID, ErrAlreadyExists)
		}
		return pipeline.Interrupt{}, fmt.Errorf("failed to insert interrupt: %w", err)
	}
	return prepared, nil
}

// GetInterrupt implements InterruptStore.
func (s *sqlStore) GetInterrupt(ctx context.Context, id string) (pipeline.Interrupt, error) {
	if err := s.checkOpen(); err != nil {
		return pipeline.Interrupt{}, err
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM interrupts WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Interrupt{}, fmt.Errorf("interrupt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return pipeline.Interrupt{}, fmt.Errorf("failed to query interrupt: %w", err)
	}
	return decodeInterrupt(doc)
}

// ListActiveForNode implements InterruptStore.
func (s *sqlStore) ListActiveForNode(ctx context.Context, planExecutionID, nodeExecutionID string) ([]pipeline.Interrupt, error) {
	return s.queryInterrupts(ctx, `
		SELECT doc FROM interrupts
		WHERE plan_execution_id = ? AND node_execution_id = ? AND state IN (?, ?)
		ORDER BY created_at, id
	`, planExecutionID, nodeExecutionID, string(pipeline.InterruptRegistered), string(pipeline.InterruptProcessing))
}

// ListActiveForPlan implements InterruptStore.
func (s *sqlStore) ListActiveForPlan(ctx context.Context, planExecutionID string) ([]pipeline.Interrupt, error) {
	return s.queryInterrupts(ctx, `
		SELECT doc FROM interrupts
		WHERE plan_execution_id = ? AND state IN (?, ?)
		ORDER BY created_at, id
	`, planExecutionID, string(pipeline.InterruptRegistered), string(pipeline.InterruptProcessing))
}

// ListStaleInterrupts implements InterruptStore.
func (s *sqlStore) ListStaleInterrupts(ctx context.Context, state pipeline.InterruptState, olderThan time.Time) ([]pipeline.Interrupt, error) {
	return s.queryInterrupts(ctx, `
		SELECT doc FROM interrupts
		WHERE state = ? AND updated_at < ?
		ORDER BY created_at, id
	`, string(state), olderThan.UnixNano())
}

func (s *sqlStore) queryInterrupts(ctx context.Context, query string, args ...interface{}) ([]pipeline.Interrupt, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]pipeline.Interrupt, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan interrupt: %w", err)
		}
		interrupt, err := decodeInterrupt(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, interrupt)
	}
	return out, rows.Err()
}

// MarkInterruptState implements InterruptStore.
//
// The UPDATE is guarded by the state that was read, so a reconciler and a
// handler racing to close the same interrupt cannot both succeed.
func (s *sqlStore) MarkInterruptState(ctx context.Context, id string, state pipeline.InterruptState, message string) (pipeline.Interrupt, error) {
	query := s.rebind(`
		UPDATE interrupts
		SET state = ?, active_key = ?, updated_at = ?, doc = ?
		WHERE id = ? AND state = ?
	`)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.GetInterrupt(ctx, id)
		if err != nil {
			return pipeline.Interrupt{}, err
		}
		if !current.Active() {
			return current, fmt.Errorf("interrupt %s is %s: %w", id, current.State, ErrInterruptNotActive)
		}

		next := current.Clone()
		next.State = state
		if message != "" {
			next.Message = message
		}
		next.LastUpdatedAt = s.now().UTC()
		doc, err := json.Marshal(next)
		if err != nil {
			return pipeline.Interrupt{}, fmt.Errorf("failed to marshal interrupt: %w", err)
		}

		res, err := s.db.ExecContext(ctx, query,
			string(next.State), nullString(activeKey(next)), next.LastUpdatedAt.UnixNano(), string(doc),
			id, string(current.State))
		if err != nil {
			return pipeline.Interrupt{}, fmt.Errorf("failed to update interrupt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return pipeline.Interrupt{}, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return pipeline.Interrupt{}, fmt.Errorf("interrupt %s: %w", id, ErrContention)
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Stats returns database connection pool statistics.
func (s *sqlStore) Stats() sql.DBStats {
	return s.db.Stats()
}

// Close implements Store.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func decodeNode(doc []byte) (pipeline.NodeExecution, error) {
	var node pipeline.NodeExecution
	if err := json.Unmarshal(doc, &node); err != nil {
		return pipeline.NodeExecution{}, fmt.Errorf("failed to unmarshal node execution: %w", err)
	}
	return node, nil
}

func decodeInterrupt(doc []byte) (pipeline.Interrupt, error) {
	var interrupt pipeline.Interrupt
	if err := json.Unmarshal(doc, &interrupt); err != nil {
		return pipeline.Interrupt{}, fmt.Errorf("failed to unmarshal interrupt: %w", err)
	}
	return interrupt, nil
}
