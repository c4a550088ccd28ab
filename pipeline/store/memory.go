package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/pipecore/pipeline"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process runs where persistence isn't required
//
// MemStore is thread-safe. Conditional updates run under the write lock,
// which gives them the same all-or-nothing semantics the SQL stores get
// from their version-checked UPDATE.
//
// Records are copied on the way in and out; callers never share slices with
// the store.
type MemStore struct {
	mu         sync.RWMutex
	nodes      map[string]pipeline.NodeExecution
	interrupts map[string]pipeline.Interrupt
	activeKeys map[string]string // exclusivity key -> interrupt id
	closed     bool
	now        func() time.Time
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:      make(map[string]pipeline.NodeExecution),
		interrupts: make(map[string]pipeline.Interrupt),
		activeKeys: make(map[string]string),
		now:        time.Now,
	}
}

// CreateNodeExecution implements NodeExecutionStore.
func (m *MemStore) CreateNodeExecution(_ context.Context, node pipeline.NodeExecution) (pipeline.NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return pipeline.NodeExecution{}, ErrClosed
	}

	prepared, err := prepareNode(node, uuid.NewString, m.now())
	if err != nil {
		return pipeline.NodeExecution{}, err
	}
	if _, exists := m.nodes[prepared.ID]; exists {
		return pipeline.NodeExecution{}, fmt.Errorf("node execution %s: %w", prepared.ID, ErrAlreadyExists)
	}
	m.nodes[prepared.ID] = prepared
	return prepared.Clone(), nil
}

// GetNodeExecution implements NodeExecutionStore.
func (m *MemStore) GetNodeExecution(_ context.Context, id string) (pipeline.NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return pipeline.NodeExecution{}, ErrClosed
	}

	node, ok := m.nodes[id]
	if !ok {
		return pipeline.NodeExecution{}, fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	return node.Clone(), nil
}

// ConditionalUpdate implements NodeExecutionStore.
func (m *MemStore) ConditionalUpdate(_ context.Context, id string, target pipeline.Status, allowedFrom pipeline.StatusSet, mutate Mutation, guards ...Guard) (pipeline.NodeExecution, bool, error) {
	if err := validateTransition(target, allowedFrom); err != nil {
		return pipeline.NodeExecution{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return pipeline.NodeExecution{}, false, ErrClosed
	}

	current, ok := m.nodes[id]
	if !ok {
		return pipeline.NodeExecution{}, false, fmt.Errorf("node execution %s: %w", id, ErrNotFound)
	}
	if !admits(current, allowedFrom, guards) {
		return current.Clone(), false, nil
	}

	next, err := applyMutation(current, target, mutate, m.now())
	if err != nil {
		return pipeline.NodeExecution{}, false, err
	}
	m.nodes[id] = next.Clone()
	return next, true, nil
}

// ListByPlan implements NodeExecutionStore.
func (m *MemStore) ListByPlan(_ context.Context, planExecutionID string) ([]pipeline.NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]pipeline.NodeExecution, 0)
	for _, node := range m.nodes {
		if node.PlanExecutionID == planExecutionID {
			out = append(out, node.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTs.Equal(out[j].StartTs) {
			return out[i].StartTs.Before(out[j].StartTs)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateInterrupt implements InterruptStore.
func (m *MemStore) CreateInterrupt(_ context.Context, interrupt pipeline.Interrupt) (pipeline.Interrupt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return pipeline.Interrupt{}, ErrClosed
	}

	prepared, err := prepareInterrupt(interrupt, uuid.NewString, m.now())
	if err != nil {
		return pipeline.Interrupt{}, err
	}
	if _, exists := m.interrupts[prepared.ID]; exists {
		return pipeline.Interrupt{}, fmt.Errorf("interrupt %s: %w", prepared.ID, ErrAlreadyExists)
	}
	if key := activeKey(prepared); key != "" {
		if holder, taken := m.activeKeys[key]; taken {
			return pipeline.Interrupt{}, fmt.Errorf("interrupt %s blocks %s: %w", holder, prepared.Type, ErrActiveInterruptExists)
		}
		m.activeKeys[key] = prepared.ID
	}
	m.interrupts[prepared.ID] = prepared
	return prepared.Clone(), nil
}

// GetInterrupt implements InterruptStore.
func (m *MemStore) GetInterrupt(_ context.Context, id string) (pipeline.Interrupt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return pipeline.Interrupt{}, ErrClosed
	}

	interrupt, ok := m.interrupts[id]
	if !ok {
		return pipeline.Interrupt{}, fmt.Errorf("interrupt %s: %w", id, ErrNotFound)
	}
	return interrupt.Clone(), nil
}

// ListActiveForNode implements InterruptStore.
func (m *MemStore) ListActiveForNode(_ context.Context, planExecutionID, nodeExecutionID string) ([]pipeline.Interrupt, error) {
	return m.listInterrupts(func(i pipeline.Interrupt) bool {
		return i.Active() && i.PlanExecutionID == planExecutionID && i.NodeExecutionID == nodeExecutionID
	})
}

// ListActiveForPlan implements InterruptStore.
func (m *MemStore) ListActiveForPlan(_ context.Context, planExecutionID string) ([]pipeline.Interrupt, error) {
	return m.listInterrupts(func(i pipeline.Interrupt) bool {
		return i.Active() && i.PlanExecutionID == planExecutionID
	})
}

// ListStaleInterrupts implements InterruptStore.
func (m *MemStore) ListStaleInterrupts(_ context.Context, state pipeline.InterruptState, olderThan time.Time) ([]pipeline.Interrupt, error) {
	return m.listInterrupts(func(i pipeline.Interrupt) bool {
		return i.State == state && i.LastUpdatedAt.Before(olderThan)
	})
}

func (m *MemStore) listInterrupts(keep func(pipeline.Interrupt) bool) ([]pipeline.Interrupt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]pipeline.Interrupt, 0)
	for _, interrupt := range m.interrupts {
		if keep(interrupt) {
			out = append(out, interrupt.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkInterruptState implements InterruptStore.
func (m *MemStore) MarkInterruptState(_ context.Context, id string, state pipeline.InterruptState, message string) (pipeline.Interrupt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return pipeline.Interrupt{}, ErrClosed
	}

	current, ok := m.interrupts[id]
	if !ok {
		return pipeline.Interrupt{}, fmt.Errorf("interrupt %s: %w", id, ErrNotFound)
	}
	if !current.Active() {
		return current.Clone(), fmt.Errorf("interrupt %s is %s: %w", id, current.State, ErrInterruptNotActive)
	}

	next := current.Clone()
	next.State = state
	if message != "" {
		next.Message = message
	}
	next.LastUpdatedAt = m.now().UTC()

	if key := activeKey(current); key != "" && activeKey(next) == "" {
		delete(m.activeKeys, key)
	}
	m.interrupts[id] = next
	return next.Clone(), nil
}

// Close implements Store. After Close every operation returns ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
