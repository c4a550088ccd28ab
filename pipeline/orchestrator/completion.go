package orchestrator

import (
	"context"
	"fmt"

	"github.com/dshills/pipecore/pipeline"
)

// Completion reports that a node's work finished.
type Completion struct {
	NodeExecutionID string
	// Status is the outcome: SUCCEEDED, FAILED, EXPIRED or another final
	// status.
	Status      pipeline.Status
	FailureInfo *pipeline.FailureInfo
}

// Result describes what HandleCompletion did.
type Result struct {
	// Node is the record after the last write, or the current record when
	// the completion lost a race.
	Node pipeline.NodeExecution

	// Applied is false when another writer (typically an abort) already
	// moved the node; nothing else was done then.
	Applied bool

	// Advise is the advise that was applied, if any.
	Advise pipeline.Advise
}

var (
	failedStatuses = pipeline.NewStatusSet(pipeline.StatusFailed, pipeline.StatusExpired)
	discontinuing  = pipeline.NewStatusSet(pipeline.StatusDiscontinuing)
	concludable    = pipeline.RunningStatuses.Union(discontinuing)
)

// HandleCompletion concludes a node from its completion callback and
// applies the resulting advise.
//
// A completion racing with an abort resolves through the conditional write:
// if the abort landed first the node is DISCONTINUING and the completion
// concludes it as ABORTED instead.
func (s *Service) HandleCompletion(ctx context.Context, c Completion) (Result, error) {
	switch {
	case c.Status == pipeline.StatusSucceeded:
		return s.completeSuccess(ctx, c)
	case failedStatuses.Contains(c.Status):
		return s.completeFailure(ctx, c)
	case c.Status.IsFinal():
		node, applied, err := s.Authority.Conclude(ctx, c.NodeExecutionID, c.Status, concludable, setFailure(c.FailureInfo))
		return Result{Node: node, Applied: applied}, err
	}
	return Result{}, fmt.Errorf("%w: completion status %q is not final", pipeline.ErrInvalidRequest, c.Status)
}

func (s *Service) completeSuccess(ctx context.Context, c Completion) (Result, error) {
	node, applied, err := s.Authority.Conclude(ctx, c.NodeExecutionID, pipeline.StatusSucceeded, pipeline.RunningStatuses, nil)
	if err != nil {
		return Result{Node: node, Applied: applied}, err
	}
	if !applied {
		return s.lost(ctx, node, c)
	}

	a, ok, err := s.Registry.Advise(ctx, node, pipeline.StatusRunning, s.Chains.For(node.StepType))
	if err != nil {
		return Result{Node: node, Applied: true}, err
	}
	if !ok {
		a = pipeline.NextStepAdvise{NextNodeID: node.NextID}
	}
	res := Result{Node: node, Applied: true, Advise: a}
	if next, isNext := a.(pipeline.NextStepAdvise); isNext {
		return res, s.Runner.StartNext(ctx, next.NextNodeID)
	}
	return res, nil
}

func (s *Service) completeFailure(ctx context.Context, c Completion) (Result, error) {
	from := pipeline.Status("")
	node, applied, err := s.Authority.Transition(ctx, c.NodeExecutionID, c.Status, pipeline.RunningStatuses,
		func(n *pipeline.NodeExecution) {
			from = n.Status
			if c.FailureInfo != nil {
				n.FailureInfo = c.FailureInfo
			}
		})
	if err != nil {
		return Result{Node: node, Applied: applied}, err
	}
	if !applied {
		return s.lost(ctx, node, c)
	}

	a, err := s.adviseFailure(ctx, node, from)
	if err != nil {
		return Result{Node: node, Applied: true}, err
	}
	node, err = s.apply(ctx, node, a)
	return Result{Node: node, Applied: true, Advise: a}, err
}

// lost handles a completion whose conditional write did not land.
func (s *Service) lost(ctx context.Context, node pipeline.NodeExecution, c Completion) (Result, error) {
	if node.Status != pipeline.StatusDiscontinuing {
		return Result{Node: node}, nil
	}
	concluded, applied, err := s.Authority.Conclude(ctx, node.ID, pipeline.StatusAborted, discontinuing, setFailure(c.FailureInfo))
	return Result{Node: concluded, Applied: applied}, err
}

// apply carries out a failure advise on a FAILED or EXPIRED node.
func (s *Service) apply(ctx context.Context, node pipeline.NodeExecution, a pipeline.Advise) (pipeline.NodeExecution, error) {
	switch v := a.(type) {
	case pipeline.RetryAdvise:
		attempt, created, err := s.Authority.Retry(ctx, v.RetryNodeExecutionID)
		if err != nil || !created {
			return node, err
		}
		return attempt, s.Runner.StartAttempt(ctx, attempt, v.WaitInterval)

	case pipeline.NextStepAdvise:
		concluded, applied, err := s.Authority.Conclude(ctx, node.ID, pipeline.StatusIgnoreFailed, failedStatuses, nil)
		if err != nil || !applied {
			return concluded, err
		}
		return concluded, s.Runner.StartNext(ctx, v.NextNodeID)

	case pipeline.InterventionWaitAdvise:
		parked, _, err := s.Authority.Transition(ctx, node.ID, pipeline.StatusInterventionWaiting, failedStatuses, nil)
		return parked, err

	default:
		concluded, _, err := s.Authority.Conclude(ctx, node.ID, node.Status, failedStatuses, nil)
		return concluded, err
	}
}

func setFailure(info *pipeline.FailureInfo) func(*pipeline.NodeExecution) {
	return func(n *pipeline.NodeExecution) {
		if info != nil {
			n.FailureInfo = info
		}
	}
}
