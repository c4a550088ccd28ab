// Package store defines the Execution Store contract used by the execution
// core and provides in-memory and SQL implementations of it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/pipecore/pipeline"
)

// ErrNotFound is returned when a requested node execution or interrupt does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a record whose id is taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrActiveInterruptExists is returned by CreateInterrupt when an exclusive
// interrupt of the same type is already active for the same target.
var ErrActiveInterruptExists = errors.New("an active exclusive interrupt already exists for the target")

// ErrInterruptNotActive is returned by MarkInterruptState when the
// interrupt already reached a terminal state.
var ErrInterruptNotActive = errors.New("interrupt is no longer active")

// ErrInvalidMutation is returned when a mutation breaks an append-only
// invariant (RetryIDs or InterruptHistories shrinking or being rewritten).
var ErrInvalidMutation = errors.New("invalid mutation")

// ErrContention is returned when a conditional update keeps losing version
// races and gives up.
var ErrContention = errors.New("conditional update contention")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Mutation changes a NodeExecution as part of a conditional update.
//
// A mutation receives a private copy of the current record and may be
// invoked more than once when a SQL store re-validates after a lost race, so
// it must only depend on its argument. Identity fields, Status, Version and
// LastUpdatedAt are owned by the store and reset after the mutation runs.
type Mutation func(*pipeline.NodeExecution)

// Guard is an extra precondition evaluated against the current record
// together with the allowed status set. A failing guard makes the update a
// no-op, exactly like a status outside the allowed set.
type Guard func(pipeline.NodeExecution) bool

// NodeExecutionStore persists NodeExecution records.
type NodeExecutionStore interface {
	// CreateNodeExecution inserts a new record. An empty ID is replaced by a
	// generated one, an empty Status becomes QUEUED and Version starts at 1.
	//
	// Returns ErrAlreadyExists if the id is taken.
	CreateNodeExecution(ctx context.Context, node pipeline.NodeExecution) (pipeline.NodeExecution, error)

	// GetNodeExecution returns the record or ErrNotFound.
	GetNodeExecution(ctx context.Context, id string) (pipeline.NodeExecution, error)

	// ConditionalUpdate atomically applies target (empty keeps the current
	// status) and mutate, but only if the record's current status is in
	// allowedFrom and every guard passes.
	//
	// Returns:
	//   - the updated record and true when the write landed
	//   - the current record and false when the precondition failed (no-op)
	//   - ErrNotFound when the record does not exist
	ConditionalUpdate(ctx context.Context, id string, target pipeline.Status, allowedFrom pipeline.StatusSet, mutate Mutation, guards ...Guard) (pipeline.NodeExecution, bool, error)

	// ListByPlan returns every record of a plan execution ordered by StartTs
	// then ID. An unknown plan yields an empty slice.
	ListByPlan(ctx context.Context, planExecutionID string) ([]pipeline.NodeExecution, error)
}

// InterruptStore persists Interrupt records.
type InterruptStore interface {
	// CreateInterrupt inserts a new interrupt (REGISTERED when State is
	// empty). Returns ErrActiveInterruptExists when the interrupt is of an
	// exclusive type and an active one already targets the same node (or
	// plan, for plan-wide types).
	CreateInterrupt(ctx context.Context, interrupt pipeline.Interrupt) (pipeline.Interrupt, error)

	// GetInterrupt returns the interrupt or ErrNotFound.
	GetInterrupt(ctx context.Context, id string) (pipeline.Interrupt, error)

	// ListActiveForNode returns REGISTERED and PROCESSING interrupts
	// targeting one node, oldest first.
	ListActiveForNode(ctx context.Context, planExecutionID, nodeExecutionID string) ([]pipeline.Interrupt, error)

	// ListActiveForPlan returns every REGISTERED and PROCESSING interrupt
	// of a plan execution, oldest first.
	ListActiveForPlan(ctx context.Context, planExecutionID string) ([]pipeline.Interrupt, error)

	// MarkInterruptState moves an active interrupt to state, recording
	// message. Terminal interrupts are immutable: marking one returns the
	// stored value and ErrInterruptNotActive.
	MarkInterruptState(ctx context.Context, id string, state pipeline.InterruptState, message string) (pipeline.Interrupt, error)

	// ListStaleInterrupts returns interrupts in state whose last update is
	// older than olderThan.
	ListStaleInterrupts(ctx context.Context, state pipeline.InterruptState, olderThan time.Time) ([]pipeline.Interrupt, error)
}

// Store is the full Execution Store contract.
//
// Implementations:
//   - MemStore: tests and single-process use
//   - SQLiteStore: single-file persistence
//   - MySQLStore, PostgresStore: shared persistence for multiple workers
type Store interface {
	NodeExecutionStore
	InterruptStore

	// Close releases the store's resources. Calling it twice is safe.
	Close() error
}

// activeKey is the exclusivity key of an interrupt while it is active, or
// "" when the interrupt is not exclusive or no longer active.
func activeKey(i pipeline.Interrupt) string {
	if !i.Type.Exclusive() || !i.State.Active() {
		return ""
	}
	if i.NodeExecutionID == "" {
		return "plan:" + i.PlanExecutionID + ":" + string(i.Type)
	}
	return "node:" + i.NodeExecutionID + ":" + string(i.Type)
}

func admits(node pipeline.NodeExecution, allowedFrom pipeline.StatusSet, guards []Guard) bool {
	if !allowedFrom.Contains(node.Status) {
		return false
	}
	for _, g := range guards {
		if g != nil && !g(node) {
			return false
		}
	}
	return true
}

func validateTransition(target pipeline.Status, allowedFrom pipeline.StatusSet) error {
	if target != "" && !target.Valid() {
		return fmt.Errorf("%w: unknown target status %q", pipeline.ErrInvalidTransition, target)
	}
	if allowedFrom.Len() == 0 {
		return fmt.Errorf("%w: empty allowed-from set", pipeline.ErrInvalidTransition)
	}
	return nil
}

// applyMutation produces the next version of current. It runs mutate on a
// private copy, restores the store-owned fields and checks the append-only
// invariants.
func applyMutation(current pipeline.NodeExecution, target pipeline.Status, mutate Mutation, now time.Time) (pipeline.NodeExecution, error) {
	next := current.Clone()
	if mutate != nil {
		mutate(&next)
	}

	next.ID = current.ID
	next.PlanExecutionID = current.PlanExecutionID
	next.Status = current.Status
	if target != "" {
		next.Status = target
	}

	if !isPrefix(current.RetryIDs, next.RetryIDs) {
		return pipeline.NodeExecution{}, fmt.Errorf("%w: retry ids of %s may only grow", ErrInvalidMutation, current.ID)
	}
	if len(next.InterruptHistories) < len(current.InterruptHistories) {
		return pipeline.NodeExecution{}, fmt.Errorf("%w: interrupt history of %s is append-only", ErrInvalidMutation, current.ID)
	}
	for i := range current.InterruptHistories {
		if next.InterruptHistories[i].InterruptID != current.InterruptHistories[i].InterruptID {
			return pipeline.NodeExecution{}, fmt.Errorf("%w: interrupt history of %s is append-only", ErrInvalidMutation, current.ID)
		}
	}

	next.Version = current.Version + 1
	next.LastUpdatedAt = now.UTC()
	return next, nil
}

func isPrefix(prefix, full []string) bool {
	if len(full) < len(prefix) {
		return false
	}
	for i := range prefix {
		if prefix[i] != full[i] {
			return false
		}
	}
	return true
}

// prepareNode fills the defaults of a record about to be created.
func prepareNode(node pipeline.NodeExecution, newID func() string, now time.Time) (pipeline.NodeExecution, error) {
	node = node.Clone()
	if node.ID == "" {
		node.ID = newID()
	}
	if node.PlanExecutionID == "" {
		return pipeline.NodeExecution{}, fmt.Errorf("%w: plan execution id is required", pipeline.ErrInvalidRequest)
	}
	if node.Status == "" {
		node.Status = pipeline.StatusQueued
	}
	if !node.Status.Valid() {
		return pipeline.NodeExecution{}, fmt.Errorf("%w: unknown status %q", pipeline.ErrInvalidRequest, node.Status)
	}
	if node.StartTs.IsZero() {
		node.StartTs = now
	}
	node.StartTs = node.StartTs.UTC()
	node.Version = 1
	node.LastUpdatedAt = now.UTC()
	return node, nil
}

// prepareInterrupt fills the defaults of an interrupt about to be created.
func prepareInterrupt(interrupt pipeline.Interrupt, newID func() string, now time.Time) (pipeline.Interrupt, error) {
	interrupt = interrupt.Clone()
	if interrupt.ID == "" {
		interrupt.ID = newID()
	}
	if interrupt.PlanExecutionID == "" {
		return pipeline.Interrupt{}, fmt.Errorf("%w: plan execution id is required", pipeline.ErrInvalidRequest)
	}
	if interrupt.State == "" {
		interrupt.State = pipeline.InterruptRegistered
	}
	if interrupt.CreatedAt.IsZero() {
		interrupt.CreatedAt = now
	}
	interrupt.CreatedAt = interrupt.CreatedAt.UTC()
	interrupt.LastUpdatedAt = now.UTC()
	return interrupt, nil
}
