// Package discontinue cascades an abort from a node to the work it owns.
package discontinue

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/dispatch"
	"github.com/dshills/pipecore/pipeline/status"
	"github.com/dshills/pipecore/pipeline/store"
)

// TaskAborter cancels remote tasks. *dispatch.Client satisfies it.
type TaskAborter interface {
	AbortTask(ctx context.Context, req dispatch.AbortRequest) error
}

// Cascader discontinues a node's descendants and aborts their remote tasks.
//
// It walks the children breadth-first through ParentID links, moving every
// abortable descendant to DISCONTINUING with the interrupt's effect. Nodes
// waiting on a remote task get an abort request. Abort requests that fail
// are logged; the executor reports the task's end on its own and the
// completion path concludes the node.
type Cascader struct {
	nodes     store.NodeExecutionStore
	authority *status.Authority
	aborter   TaskAborter
	logger    *slog.Logger
	now       func() time.Time
}

// NewCascader creates a Cascader. aborter may be nil when no executor is
// configured.
func NewCascader(nodes store.NodeExecutionStore, authority *status.Authority, aborter TaskAborter, logger *slog.Logger) *Cascader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascader{nodes: nodes, authority: authority, aborter: aborter, logger: logger, now: time.Now}
}

var taskWaiting = pipeline.NewStatusSet(pipeline.StatusTaskWaiting, pipeline.StatusAsyncWaiting)

// Discontinue implements interrupt.Discontinuer. node is the record as it
// was after its own DISCONTINUING transition.
func (c *Cascader) Discontinue(ctx context.Context, node pipeline.NodeExecution, in pipeline.Interrupt) error {
	logger := ctxlog.FromContext(ctx, c.logger).With("plan_execution_id", node.PlanExecutionID, "interrupt_id", in.ID)

	all, err := c.nodes.ListByPlan(ctx, node.PlanExecutionID)
	if err != nil {
		return err
	}
	children := make(map[string][]string)
	for _, n := range all {
		if n.ParentID != "" && !n.OldRetry {
			children[n.ParentID] = append(children[n.ParentID], n.ID)
		}
	}

	// A task id is only recorded once the task was submitted.
	c.abortTask(ctx, logger, node, in)

	visited := map[string]bool{node.ID: true}
	queue := append([]string(nil), children[node.ID]...)
	cascaded := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, children[id]...)

		before, err := c.authority.Get(ctx, id)
		if err != nil {
			return err
		}
		updated, applied, err := c.authority.Transition(ctx, id, pipeline.StatusDiscontinuing, pipeline.AbortableStatuses,
			pipeline.AppendEffect(in.Effect(c.now())))
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		cascaded++
		if taskWaiting.Contains(before.Status) {
			c.abortTask(ctx, logger, updated, in)
		}
	}

	logger.Info("discontinue cascaded", "node_execution_id", node.ID, "descendants", cascaded)
	return nil
}

func (c *Cascader) abortTask(ctx context.Context, logger *slog.Logger, node pipeline.NodeExecution, in pipeline.Interrupt) {
	if c.aborter == nil || node.TaskID == "" {
		return
	}
	err := c.aborter.AbortTask(ctx, dispatch.AbortRequest{
		TaskID:          node.TaskID,
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.ID,
		Reason:          "interrupt " + string(in.Type) + " " + in.ID,
	})
	if err != nil {
		logger.Warn("failed to abort remote task", "node_execution_id", node.ID, "task_id", node.TaskID, "error", err)
	}
}
