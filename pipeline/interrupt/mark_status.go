package interrupt

import (
	"context"
	"fmt"

	"github.com/dshills/pipecore/pipeline"
)

var interventionWaiting = pipeline.NewStatusSet(pipeline.StatusInterventionWaiting)

// MarkStatusHandler resolves a node parked in INTERVENTION_WAITING to a final
// status. MARK_SUCCESS, MARK_FAILED and IGNORE_FAILED share it and differ
// only in the status they conclude with.
type MarkStatusHandler struct {
	base
	target pipeline.Status
}

// NewMarkSuccessHandler concludes the node as SUCCEEDED.
func NewMarkSuccessHandler(deps Deps) *MarkStatusHandler {
	return &MarkStatusHandler{base: newBase(deps), target: pipeline.StatusSucceeded}
}

// NewMarkFailedHandler concludes the node as FAILED.
func NewMarkFailedHandler(deps Deps) *MarkStatusHandler {
	return &MarkStatusHandler{base: newBase(deps), target: pipeline.StatusFailed}
}

// NewIgnoreFailedHandler concludes the node as IGNORE_FAILED.
func NewIgnoreFailedHandler(deps Deps) *MarkStatusHandler {
	return &MarkStatusHandler{base: newBase(deps), target: pipeline.StatusIgnoreFailed}
}

// Target returns the status the handler concludes with.
func (h *MarkStatusHandler) Target() pipeline.Status {
	return h.target
}

// RegisterInterrupt implements Handler.
func (h *MarkStatusHandler) RegisterInterrupt(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
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

// HandleInterruptForNodeExecution implements Handler. The INTERVENTION_WAITING
// requirement is re-checked as the conditional write's precondition.
func (h *MarkStatusHandler) HandleInterruptForNodeExecution(ctx context.Context, in pipeline.Interrupt, nodeExecutionID string) (pipeline.Interrupt, error) {
	node, applied, err := h.Authority.Conclude(ctx, nodeExecutionID, h.target, interventionWaiting,
		pipeline.AppendEffect(in.Effect(h.Now())))
	if err != nil {
		return h.finish(ctx, in, fmt.Errorf("conclude node %s as %s: %w", nodeExecutionID, h.target, err))
	}
	if !applied {
		return h.finish(ctx, in, newError(CodePreconditionFailed, pipeline.ErrPreconditionFailed, in,
			fmt.Sprintf("node left %s and is now %s", pipeline.StatusInterventionWaiting, node.Status)))
	}
	return h.finish(ctx, in, nil)
}

// HandleInterrupt implements Handler.
func (h *MarkStatusHandler) HandleInterrupt(_ context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	return in, unsupported(in, "plan-wide")
}
