// Package orchestrator is the caller-facing surface of the execution core.
//
// It ties the pieces together: interrupts go through the Dispatcher, node
// completions are concluded through the Status Authority and advised by the
// adviser Registry, and the resulting advise is applied (retry, next step,
// intervention wait or end of plan). Graph reads go to the Reconstructor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/advise"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/graphview"
	"github.com/dshills/pipecore/pipeline/interrupt"
	"github.com/dshills/pipecore/pipeline/status"
)

// Runner starts node executions. *dispatch.Runner implements it.
type Runner interface {
	// StartAttempt starts a retry attempt after delay.
	StartAttempt(ctx context.Context, node pipeline.NodeExecution, delay time.Duration) error

	// StartNext starts the successor of a finished node.
	StartNext(ctx context.Context, nextNodeID string) error
}

// ChainSource resolves the adviser chain of a step type. advise.Chains
// implements it.
type ChainSource interface {
	For(stepType string) []advise.Obtainment
}

// Deps are the collaborators of a Service. All are required except Logger.
type Deps struct {
	Authority     *status.Authority
	Dispatcher    *interrupt.Dispatcher
	Registry      *advise.Registry
	Reconstructor *graphview.Reconstructor
	Runner        Runner
	Chains        ChainSource
	Logger        *slog.Logger
}

// Service implements the exposed operations of the execution core.
type Service struct {
	Deps
}

// NewService validates deps and creates a Service.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Authority == nil:
		return nil, errors.New("orchestrator: authority is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: adviser registry is required")
	case deps.Reconstructor == nil:
		return nil, errors.New("orchestrator: reconstructor is required")
	case deps.Runner == nil:
		return nil, errors.New("orchestrator: runner is required")
	}
	if deps.Chains == nil {
		deps.Chains = advise.Chains{}
	}
	return &Service{Deps: deps}, nil
}

// RegisterInterrupt registers an interrupt. An interrupt that was accepted
// but failed while being handled is returned in its terminal state together
// with the error. A successful RETRY starts the attempt it created.
func (s *Service) RegisterInterrupt(ctx context.Context, t pipeline.InterruptType, planExecutionID, nodeExecutionID string, parameters map[string]string) (pipeline.Interrupt, error) {
	in, err := s.Dispatcher.Register(ctx, interrupt.Request{
		Type:            t,
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		Parameters:      parameters,
	})
	if err != nil || t != pipeline.InterruptRetry {
		return in, err
	}

	attemptID := in.Parameters[interrupt.ParamRetryNodeExecutionID]
	attempt, err := s.Authority.Get(ctx, attemptID)
	if err != nil {
		return in, fmt.Errorf("load retry attempt %s: %w", attemptID, err)
	}
	if err := s.Runner.StartAttempt(ctx, attempt, 0); err != nil {
		return in, fmt.Errorf("start retry attempt %s: %w", attemptID, err)
	}
	return in, nil
}

// AdviseOnFailure returns the advise for a failed node without applying it.
// EndPlanAdvise is returned when no adviser applies.
func (s *Service) AdviseOnFailure(ctx context.Context, nodeExecutionID string) (pipeline.Advise, error) {
	node, err := s.Authority.Get(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	return s.adviseFailure(ctx, node, node.Status)
}

func (s *Service) adviseFailure(ctx context.Context, node pipeline.NodeExecution, from pipeline.Status) (pipeline.Advise, error) {
	a, ok, err := s.Registry.Advise(ctx, node, from, s.Chains.For(node.StepType))
	if err != nil {
		return nil, err
	}
	if !ok {
		return pipeline.EndPlanAdvise{}, nil
	}
	return a, nil
}

// ReconstructGraph renders a plan run. An empty startID starts at the
// plan's root node.
func (s *Service) ReconstructGraph(ctx context.Context, planExecutionID, startID string, mode graphview.Mode) (graphview.Graph, error) {
	return s.Reconstructor.Reconstruct(ctx, planExecutionID, startID, mode)
}

// ReportFailure feeds a dispatch failure into the completion flow. It has
// the signature of dispatch.FailureFunc.
func (s *Service) ReportFailure(ctx context.Context, nodeExecutionID string, info pipeline.FailureInfo) {
	_, err := s.HandleCompletion(ctx, Completion{
		NodeExecutionID: nodeExecutionID,
		Status:          pipeline.StatusFailed,
		FailureInfo:     &info,
	})
	if err != nil {
		ctxlog.FromContext(ctx, s.Logger).Error("failed to handle dispatch failure", "node_execution_id", nodeExecutionID, "error", err)
	}
}

// OnConcluded continues a node an operator concluded through MARK_SUCCESS
// or IGNORE_FAILED to its successor. Wire it as the Authority's Resumer;
// conclusions of the completion flow are continued by HandleCompletion
// itself.
func (s *Service) OnConcluded(ctx context.Context, node pipeline.NodeExecution) error {
	if len(node.InterruptHistories) == 0 || node.NextID == "" {
		return nil
	}
	last := node.InterruptHistories[len(node.InterruptHistories)-1]
	switch {
	case last.InterruptType == pipeline.InterruptMarkSuccess && node.Status == pipeline.StatusSucceeded,
		last.InterruptType == pipeline.InterruptIgnoreFailed && node.Status == pipeline.StatusIgnoreFailed:
		return s.Runner.StartNext(ctx, node.NextID)
	}
	return nil
}
