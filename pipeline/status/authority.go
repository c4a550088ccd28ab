// Package status implements the Status Authority: the only component that
// writes a NodeExecution's status.
//
// Every write is a single conditional update against the store. When the
// record is no longer in the caller's allowed set the write is a no-op,
// which is how completions and interrupts racing on the same node resolve:
// whichever write lands first wins and the loser observes applied == false.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/emit"
	"github.com/dshills/pipecore/pipeline/store"
)

var anyStatus = pipeline.NewStatusSet(pipeline.AllStatuses()...)

// Authority performs conditional status transitions.
type Authority struct {
	store   store.NodeExecutionStore
	logger  *slog.Logger
	emitter emit.Emitter
	metrics *pipeline.Metrics
	resumer Resumer
	now     func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

// WithEmitter sets the observability emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(a *Authority) { a.emitter = emit.OrNull(e) }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *pipeline.Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

// WithResumer sets the continuation collaborator invoked after Conclude.
func WithResumer(r Resumer) Option {
	return func(a *Authority) {
		if r != nil {
			a.resumer = r
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates an Authority over st.
func NewAuthority(st store.NodeExecutionStore, opts ...Option) *Authority {
	a := &Authority{
		store:   st,
		emitter: emit.NewNullEmitter(),
		resumer: NopResumer{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Get returns the current record.
func (a *Authority) Get(ctx context.Context, id string) (pipeline.NodeExecution, error) {
	return a.store.GetNodeExecution(ctx, id)
}

// Transition applies target and mutate to the node only if its current
// status is in allowedFrom. An empty target keeps the status.
//
// Returns the updated record and true when the write landed, or the current
// record and false for a no-op. A missing node surfaces store.ErrNotFound.
func (a *Authority) Transition(ctx context.Context, id string, target pipeline.Status, allowedFrom pipeline.StatusSet, mutate store.Mutation) (pipeline.NodeExecution, bool, error) {
	logger := ctxlog.FromContext(ctx, a.logger)

	node, applied, err := a.store.ConditionalUpdate(ctx, id, target, allowedFrom, mutate)
	if err != nil {
		return pipeline.NodeExecution{}, false, err
	}

	label := target
	if label == "" {
		label = node.Status
	}
	a.metrics.RecordTransition(label, applied)

	if !applied {
		logger.Debug("status transition skipped",
			"node_execution_id", id,
			"target", string(target),
			"current", string(node.Status))
		a.emitter.Emit(emit.Event{
			PlanExecutionID: node.PlanExecutionID,
			NodeExecutionID: id,
			Msg:             emit.MsgTransitionNoop,
			Meta: map[string]interface{}{
				"target":  string(target),
				"current": string(node.Status),
			},
		})
		return node, false, nil
	}

	a.emitter.Emit(emit.Event{
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: id,
		Msg:             emit.MsgTransitionApplied,
		Meta: map[string]interface{}{
			"status":  string(node.Status),
			"version": node.Version,
		},
	})
	return node, true, nil
}

// Conclude finalizes the node to a final status, stamps EndTs and hands the
// node to the Resumer. target must be final.
//
// A Resumer error is returned with applied == true: the node stays
// concluded.
func (a *Authority) Conclude(ctx context.Context, id string, target pipeline.Status, allowedFrom pipeline.StatusSet, mutate store.Mutation) (pipeline.NodeExecution, bool, error) {
	if !target.IsFinal() {
		return pipeline.NodeExecution{}, false, fmt.Errorf("%w: %q is not a final status", pipeline.ErrInvalidTransition, target)
	}

	endTs := a.now().UTC()
	node, applied, err := a.Transition(ctx, id, target, allowedFrom, func(n *pipeline.NodeExecution) {
		if mutate != nil {
			mutate(n)
		}
		n.EndTs = endTs
	})
	if err != nil || !applied {
		return node, applied, err
	}

	a.emitter.Emit(emit.Event{
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: id,
		Msg:             emit.MsgNodeConcluded,
		Meta:            map[string]interface{}{"status": string(node.Status)},
	})

	if err := a.resumer.OnConcluded(ctx, node); err != nil {
		return node, true, fmt.Errorf("resume after concluding %s as %s: %w", id, node.Status, err)
	}
	return node, true, nil
}

// Retry creates the next attempt of a failed node.
//
// The old attempt (FAILED, EXPIRED or INTERVENTION_WAITING) is claimed by a
// status-preserving conditional write that sets OldRetry; a node that was
// already retried is a no-op. The new attempt is QUEUED, copies the
// definition and linking fields, and carries RetryIDs = old.RetryIDs + old.ID.
// A predecessor pointing at the old attempt is repointed at the new one.
func (a *Authority) Retry(ctx context.Context, id string) (pipeline.NodeExecution, bool, error) {
	logger := ctxlog.FromContext(ctx, a.logger)

	old, claimed, err := a.store.ConditionalUpdate(ctx, id, "", pipeline.RetryableStatuses,
		func(n *pipeline.NodeExecution) { n.OldRetry = true },
		func(n pipeline.NodeExecution) bool { return !n.OldRetry })
	if err != nil {
		return pipeline.NodeExecution{}, false, err
	}
	if !claimed {
		logger.Debug("retry skipped", "node_execution_id", id, "status", string(old.Status), "old_retry", old.OldRetry)
		return old, false, nil
	}

	retryIDs := make([]string, 0, len(old.RetryIDs)+1)
	retryIDs = append(retryIDs, old.RetryIDs...)
	retryIDs = append(retryIDs, old.ID)

	attempt, err := a.store.CreateNodeExecution(ctx, pipeline.NodeExecution{
		ID:              uuid.NewString(),
		PlanExecutionID: old.PlanExecutionID,
		NodeSetupID:     old.NodeSetupID,
		Name:            old.Name,
		StepType:        old.StepType,
		Status:          pipeline.StatusQueued,
		Mode:            old.Mode,
		ParentID:        old.ParentID,
		PreviousID:      old.PreviousID,
		NextID:          old.NextID,
		RetryIDs:        retryIDs,
		StartTs:         a.now().UTC(),
	})
	if err != nil {
		// Release the claim so the node can be retried again.
		if _, _, rerr := a.store.ConditionalUpdate(ctx, id, "", pipeline.RetryableStatuses,
			func(n *pipeline.NodeExecution) { n.OldRetry = false },
			func(n pipeline.NodeExecution) bool { return n.OldRetry }); rerr != nil {
			logger.Error("failed to release retry claim", "node_execution_id", id, "error", rerr)
		}
		return pipeline.NodeExecution{}, false, fmt.Errorf("create retry attempt of %s: %w", id, err)
	}

	if old.PreviousID != "" {
		_, _, err := a.store.ConditionalUpdate(ctx, old.PreviousID, "", anyStatus,
			func(n *pipeline.NodeExecution) { n.NextID = attempt.ID },
			func(n pipeline.NodeExecution) bool { return n.NextID == old.ID })
		if err != nil {
			return attempt, true, fmt.Errorf("relink predecessor %s to retry attempt %s: %w", old.PreviousID, attempt.ID, err)
		}
	}

	a.metrics.IncrementRetries(old.StepType)
	a.emitter.Emit(emit.Event{
		PlanExecutionID: old.PlanExecutionID,
		NodeExecutionID: attempt.ID,
		Msg:             emit.MsgRetryCreated,
		Meta: map[string]interface{}{
			"retry_of": old.ID,
			"attempt":  len(retryIDs),
		},
	})
	logger.Info("retry attempt created",
		"node_execution_id", attempt.ID,
		"retry_of", old.ID,
		"attempt", len(retryIDs))
	return attempt, true, nil
}
