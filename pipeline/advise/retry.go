package advise

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/store"
)

// RetryAdviser retries failed nodes on a wait schedule and falls back to a
// repair action once the retries are used up.
type RetryAdviser struct {
	nodes store.NodeExecutionStore
}

// NewRetryAdviser creates a RetryAdviser that reads retry history from
// nodes.
func NewRetryAdviser(nodes store.NodeExecutionStore) *RetryAdviser {
	return &RetryAdviser{nodes: nodes}
}

// Type implements Adviser.
func (r *RetryAdviser) Type() AdviserType { return TypeRetry }

// CanAdvise implements Adviser.
func (r *RetryAdviser) CanAdvise(_ context.Context, event Event) bool {
	p := event.Obtainment.Parameters.Retry
	return p != nil && failureMatches(event.Node, p.ApplicableFailureTypes)
}

// OnAdviseEvent implements Adviser.
func (r *RetryAdviser) OnAdviseEvent(ctx context.Context, event Event) (pipeline.Advise, error) {
	p := event.Obtainment.Parameters.Retry
	if p == nil {
		return nil, fmt.Errorf("retry adviser: missing parameters")
	}

	node, err := r.nodes.GetNodeExecution(ctx, event.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("retry adviser: load node %s: %w", event.Node.ID, err)
	}

	attempts := len(node.RetryIDs)
	if attempts < p.RetryCount {
		return pipeline.RetryAdvise{
			WaitInterval:         WaitInterval(p.WaitIntervalList, attempts),
			RetryNodeExecutionID: node.ID,
		}, nil
	}
	return pipeline.AdviseForRepair(p.RepairActionCodeAfterRetry, nextNode(p.NextNodeID, node)), nil
}

// WaitInterval returns the wait before retry number attempt (zero based).
// Past the end of the list the last value is used; an empty list means no
// wait.
func WaitInterval(seconds []int, attempt int) time.Duration {
	if len(seconds) == 0 {
		return 0
	}
	idx := attempt
	if idx > len(seconds)-1 {
		idx = len(seconds) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(seconds[idx]) * time.Second
}
