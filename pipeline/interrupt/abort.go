package interrupt

import (
	"context"
	"fmt"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
)

// AbortHandler handles node-scoped ABORT interrupts.
//
// Registration rejects an empty node id and a node that already has an
// active ABORT. Every other active interrupt of the node is superseded. The
// node is then moved to DISCONTINUING from any abortable status; a node that
// already left all of them fails the interrupt with
// ErrInterruptProcessingFailed. On success the Discontinuer cascades the
// cancellation.
type AbortHandler struct {
	base
}

// NewAbortHandler creates an AbortHandler.
func NewAbortHandler(deps Deps) *AbortHandler {
	return &AbortHandler{base: newBase(deps)}
}

// RegisterInterrupt implements Handler.
func (h *AbortHandler) RegisterInterrupt(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	if _, err := h.loadTarget(ctx, in); err != nil {
		return pipeline.Interrupt{}, err
	}

	active, err := h.Store.ListActiveForNode(ctx, in.PlanExecutionID, in.NodeExecutionID)
	if err != nil {
		return pipeline.Interrupt{}, fmt.Errorf("list active interrupts: %w", err)
	}
	for _, other := range active {
		if other.Type == pipeline.InterruptAbort {
			return pipeline.Interrupt{}, newError(CodeConflict, pipeline.ErrInterruptConflict, in,
				fmt.Sprintf("abort %s is already active", other.ID))
		}
	}
	if err := h.settleOthers(ctx, active, "superseded by abort"); err != nil {
		return pipeline.Interrupt{}, err
	}

	processing, err := h.persist(ctx, in)
	if err != nil {
		return processing, err
	}
	return h.HandleInterruptForNodeExecution(ctx, processing, processing.NodeExecutionID)
}

// HandleInterruptForNodeExecution implements Handler.
func (h *AbortHandler) HandleInterruptForNodeExecution(ctx context.Context, in pipeline.Interrupt, nodeExecutionID string) (pipeline.Interrupt, error) {
	logger := ctxlog.FromContext(ctx, h.Logger)

	node, applied, err := h.Authority.Transition(ctx, nodeExecutionID, pipeline.StatusDiscontinuing,
		pipeline.AbortableStatuses, pipeline.AppendEffect(in.Effect(h.Now())))
	if err != nil {
		return h.finish(ctx, in, fmt.Errorf("discontinue node %s: %w", nodeExecutionID, err))
	}
	if !applied {
		return h.finish(ctx, in, newError(CodeProcessingFailed, pipeline.ErrInterruptProcessingFailed, in,
			fmt.Sprintf("node is %s and can no longer be aborted", node.Status)))
	}

	logger.Info("node discontinuing", "node_execution_id", nodeExecutionID, "interrupt_id", in.ID)
	if err := h.Discontinuer.Discontinue(ctx, node, in); err != nil {
		return h.finish(ctx, in, fmt.Errorf("cascade abort of %s: %w", nodeExecutionID, err))
	}
	return h.finish(ctx, in, nil)
}

// HandleInterrupt implements Handler. ABORT is node-scoped only.
func (h *AbortHandler) HandleInterrupt(_ context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	return in, unsupported(in, "plan-wide")
}
