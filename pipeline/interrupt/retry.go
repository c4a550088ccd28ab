package interrupt

import (
	"context"
	"fmt"

	"github.com/dshills/pipecore/pipeline"
)

// ParamRetryNodeExecutionID is set on the interrupt returned by a RETRY
// handler: the id of the attempt it created.
const ParamRetryNodeExecutionID = "retryNodeExecutionId"

// RetryHandler handles operator RETRY of a node parked in
// INTERVENTION_WAITING: the node is failed with the interrupt's effect and a
// new attempt is created through the Status Authority. Starting that
// attempt is left to the caller.
type RetryHandler struct {
	base
}

// NewRetryHandler creates a RetryHandler.
func NewRetryHandler(deps Deps) *RetryHandler {
	return &RetryHandler{base: newBase(deps)}
}

// RegisterInterrupt implements Handler.
func (h *RetryHandler) RegisterInterrupt(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	node, err := h.loadTarget(ctx, in)
	if err != nil {
		return pipeline.Interrupt{}, err
	}
	if node.Status != pipeline.StatusInterventionWaiting {
		return pipeline.Interrupt{}, newError(CodePreconditionFailed, pipeline.ErrPreconditionFailed, in,
			fmt.Sprintf("node is %s, not %s", node.Status, pipeline.StatusInterventionWaiting))
	}

	processing, err := h.persist(ctx, in)
	if err != nil {
		return processing, err
	}
	return h.HandleInterruptForNodeExecution(ctx, processing, processing.NodeExecutionID)
}

// HandleInterruptForNodeExecution implements Handler.
func (h *RetryHandler) HandleInterruptForNodeExecution(ctx context.Context, in pipeline.Interrupt, nodeExecutionID string) (pipeline.Interrupt, error) {
	node, applied, err := h.Authority.Transition(ctx, nodeExecutionID, pipeline.StatusFailed, interventionWaiting,
		pipeline.AppendEffect(in.Effect(h.Now())))
	if err != nil {
		return h.finish(ctx, in, fmt.Errorf("fail node %s for retry: %w", nodeExecutionID, err))
	}
	if !applied {
		return h.finish(ctx, in, newError(CodePreconditionFailed, pipeline.ErrPreconditionFailed, in,
			fmt.Sprintf("node left %s and is now %s", pipeline.StatusInterventionWaiting, node.Status)))
	}

	attempt, created, err := h.Authority.Retry(ctx, nodeExecutionID)
	if err != nil {
		return h.finish(ctx, in, fmt.Errorf("create retry attempt: %w", err))
	}
	if !created {
		return h.finish(ctx, in, newError(CodeProcessingFailed, pipeline.ErrInterruptProcessingFailed, in,
			"node was already retried"))
	}

	done, err := h.finish(ctx, in, nil)
	if done.Parameters == nil {
		done.Parameters = make(map[string]string, 1)
	}
	done.Parameters[ParamRetryNodeExecutionID] = attempt.ID
	return done, err
}

// HandleInterrupt implements Handler.
func (h *RetryHandler) HandleInterrupt(_ context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	return in, unsupported(in, "plan-wide")
}
