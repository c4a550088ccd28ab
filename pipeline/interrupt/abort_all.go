package interrupt

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
)

// AbortAllHandler handles plan-wide ABORT_ALL interrupts: every node of the
// plan still in an abortable status is moved to DISCONTINUING and
// discontinued. Nodes that finish concurrently are skipped as race no-ops.
type AbortAllHandler struct {
	base
}

// NewAbortAllHandler creates an AbortAllHandler.
func NewAbortAllHandler(deps Deps) *AbortAllHandler {
	return &AbortAllHandler{base: newBase(deps)}
}

// RegisterInterrupt implements Handler.
func (h *AbortAllHandler) RegisterInterrupt(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	if in.NodeExecutionID != "" {
		return pipeline.Interrupt{}, newError(CodeInvalidRequest, pipeline.ErrInvalidRequest, in,
			"ABORT_ALL targets a whole plan and takes no node execution id")
	}

	active, err := h.Store.ListActiveForPlan(ctx, in.PlanExecutionID)
	if err != nil {
		return pipeline.Interrupt{}, fmt.Errorf("list active interrupts: %w", err)
	}
	for _, other := range active {
		if other.Type == pipeline.InterruptAbortAll {
			return pipeline.Interrupt{}, newError(CodeConflict, pipeline.ErrInterruptConflict, in,
				fmt.Sprintf("abort-all %s is already active", other.ID))
		}
	}

	processing, err := h.persist(ctx, in)
	if err != nil {
		return processing, err
	}
	if err := h.settleOthers(ctx, active, "superseded by abort-all"); err != nil {
		return h.finish(ctx, processing, err)
	}
	return h.HandleInterrupt(ctx, processing)
}

// HandleInterruptForNodeExecution implements Handler. ABORT_ALL is plan-wide
// only.
func (h *AbortAllHandler) HandleInterruptForNodeExecution(_ context.Context, in pipeline.Interrupt, _ string) (pipeline.Interrupt, error) {
	return in, unsupported(in, "for a single node")
}

// HandleInterrupt implements Handler.
func (h *AbortAllHandler) HandleInterrupt(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	logger := ctxlog.FromContext(ctx, h.Logger)

	nodes, err := h.Store.ListByPlan(ctx, in.PlanExecutionID)
	if err != nil {
		return h.finish(ctx, in, fmt.Errorf("list plan nodes: %w", err))
	}

	effect := in.Effect(h.Now())
	var (
		errs    []error
		stopped int
	)
	for _, candidate := range nodes {
		if !pipeline.AbortableStatuses.Contains(candidate.Status) {
			continue
		}
		node, applied, err := h.Authority.Transition(ctx, candidate.ID, pipeline.StatusDiscontinuing,
			pipeline.AbortableStatuses, pipeline.AppendEffect(effect))
		if err != nil {
			errs = append(errs, fmt.Errorf("discontinue node %s: %w", candidate.ID, err))
			continue
		}
		if !applied {
			continue
		}
		stopped++
		if err := h.Discontinuer.Discontinue(ctx, node, in); err != nil {
			errs = append(errs, fmt.Errorf("cascade abort of %s: %w", node.ID, err))
		}
	}

	logger.Info("plan discontinuing", "plan_execution_id", in.PlanExecutionID, "interrupt_id", in.ID, "nodes", stopped)
	return h.finish(ctx, in, errors.Join(errs...))
}
