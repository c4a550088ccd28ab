package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/status"
)

// ErrRunnerClosed is returned when scheduling on a closed Runner.
var ErrRunnerClosed = errors.New("runner is closed")

// FailureFunc is told when a node could not be dispatched, so the failure
// can go through the normal advise flow.
type FailureFunc func(ctx context.Context, nodeExecutionID string, info pipeline.FailureInfo)

// Runner starts QUEUED node executions on remote executors.
//
// Starting a node claims it with a QUEUED -> RUNNING transition, submits the
// task and records the task id with RUNNING -> TASK_WAITING. A node that is
// aborted between submission and that last write has its task aborted
// again so no remote work is orphaned.
type Runner struct {
	client    *Client
	authority *status.Authority
	logger    *slog.Logger

	mu        sync.Mutex
	timers    map[string]*time.Timer
	onFailure FailureFunc
	closed    bool
	wg        sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(client *Client, authority *status.Authority, logger *slog.Logger) *Runner {
	return &Runner{
		client:    client,
		authority: authority,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}
}

// OnFailure registers the callback for nodes that could not be dispatched.
func (r *Runner) OnFailure(f FailureFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailure = f
}

// StartAttempt dispatches node after delay. The wait runs on a timer; the
// call itself does not block.
func (r *Runner) StartAttempt(ctx context.Context, node pipeline.NodeExecution, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}

	detached := context.WithoutCancel(ctx)
	id := node.ID
	r.wg.Add(1)
	r.timers[id] = time.AfterFunc(delay, func() {
		defer r.wg.Done()
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		if err := r.start(detached, id); err != nil {
			ctxlog.FromContext(detached, r.logger).Error("failed to start retry attempt", "node_execution_id", id, "error", err)
		}
	})
	return nil
}

// StartNext dispatches the next node right away.
func (r *Runner) StartNext(ctx context.Context, nextNodeID string) error {
	if nextNodeID == "" {
		return nil
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRunnerClosed
	}
	return r.start(ctx, nextNodeID)
}

// Pending returns the number of attempts waiting on their timer.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close cancels pending timers and waits for in-flight starts.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	for id, t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) start(ctx context.Context, id string) error {
	logger := ctxlog.FromContext(ctx, r.logger)

	node, claimed, err := r.authority.Transition(ctx, id, pipeline.StatusRunning, pipeline.NewStatusSet(pipeline.StatusQueued), nil)
	if err != nil {
		return fmt.Errorf("claim node %s: %w", id, err)
	}
	if !claimed {
		logger.Debug("node not startable", "node_execution_id", id, "status", string(node.Status))
		return nil
	}

	taskID, err := r.client.SendTaskAsync(ctx, TaskRequest{
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.ID,
		StepType:        node.StepType,
	})
	if err != nil || taskID == "" {
		info := pipeline.FailureInfo{ErrorMessage: "task dispatch returned no task id", FailureTypes: []pipeline.FailureType{pipeline.FailureUnknown}}
		if err != nil {
			info = failureFor(err)
		}
		r.reportFailure(ctx, node.ID, info)
		return err
	}

	recorded, applied, err := r.authority.Transition(ctx, id, pipeline.StatusTaskWaiting, pipeline.NewStatusSet(pipeline.StatusRunning),
		func(n *pipeline.NodeExecution) { n.TaskID = taskID })
	if err != nil {
		return fmt.Errorf("record task %s on node %s: %w", taskID, id, err)
	}
	if !applied && (recorded.Status == pipeline.StatusDiscontinuing || recorded.Status == pipeline.StatusAborted) {
		logger.Info("node aborted during dispatch, aborting task", "node_execution_id", id, "task_id", taskID)
		return r.client.AbortTask(ctx, AbortRequest{
			TaskID:          taskID,
			PlanExecutionID: node.PlanExecutionID,
			NodeExecutionID: node.ID,
			Reason:          "node aborted during dispatch",
		})
	}
	return nil
}

func (r *Runner) reportFailure(ctx context.Context, id string, info pipeline.FailureInfo) {
	r.mu.Lock()
	f := r.onFailure
	r.mu.Unlock()
	if f != nil {
		f(ctx, id, info)
	}
}

func failureFor(err error) pipeline.FailureInfo {
	ft := pipeline.FailureUnknown
	switch codeOf(err) {
	case codes.Unauthenticated:
		ft = pipeline.FailureAuthentication
	case codes.Unavailable:
		ft = pipeline.FailureConnectivity
	case codes.DeadlineExceeded:
		ft = pipeline.FailureTimeout
	}
	return pipeline.FailureInfo{ErrorMessage: err.Error(), FailureTypes: []pipeline.FailureType{ft}}
}
