package graphview

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/store"
)

// Reconstructor renders plan runs read from the store. It never writes.
type Reconstructor struct {
	nodes    store.NodeExecutionStore
	outcomes OutcomeService
	logger   *slog.Logger
	metrics  *pipeline.Metrics
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithOutcomes decorates vertices with recorded outcomes.
func WithOutcomes(s OutcomeService) Option {
	return func(r *Reconstructor) { r.outcomes = s }
}

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconstructor) { r.logger = l }
}

// WithMetrics enables the reconstruction latency histogram.
func WithMetrics(m *pipeline.Metrics) Option {
	return func(r *Reconstructor) { r.metrics = m }
}

// NewReconstructor creates a Reconstructor over nodes.
func NewReconstructor(nodes store.NodeExecutionStore, opts ...Option) *Reconstructor {
	r := &Reconstructor{nodes: nodes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconstruct renders the graph of planExecutionID starting at startID, or
// at the plan's root node when startID is empty.
func (r *Reconstructor) Reconstruct(ctx context.Context, planExecutionID, startID string, mode Mode) (Graph, error) {
	if mode != ModeTree && mode != ModeAdjacency {
		return Graph{}, fmt.Errorf("%w: unknown graph mode %q", pipeline.ErrInvalidRequest, mode)
	}
	if planExecutionID == "" {
		return Graph{}, fmt.Errorf("%w: plan execution id is required", pipeline.ErrInvalidRequest)
	}

	start := time.Now()
	defer func() { r.metrics.ObserveReconstruct(string(mode), time.Since(start)) }()

	nodes, err := r.nodes.ListByPlan(ctx, planExecutionID)
	if err != nil {
		return Graph{}, fmt.Errorf("list nodes of plan %s: %w", planExecutionID, err)
	}
	a := newArena(nodes)

	g := Graph{PlanExecutionID: planExecutionID, Mode: mode}
	if startID == "" {
		root, ok := a.root()
		if !ok {
			return g, nil
		}
		startID = root
	} else if _, ok := a.nodes[startID]; !ok {
		return Graph{}, fmt.Errorf("start node %s of plan %s: %w", startID, planExecutionID, store.ErrNotFound)
	}
	g.RootID = startID

	render := r.decorate(ctx, planExecutionID)
	switch mode {
	case ModeTree:
		g.Tree = a.tree(startID, render)
	case ModeAdjacency:
		g.Adjacency = a.adjacency(startID, render)
	}
	return g, nil
}

func (r *Reconstructor) decorate(ctx context.Context, planExecutionID string) decorator {
	if r.outcomes == nil {
		return baseInfo
	}
	logger := ctxlog.FromContext(ctx, r.logger)
	return func(n pipeline.NodeExecution) VertexInfo {
		info := baseInfo(n)
		outcomes, err := r.outcomes.FindAllByRuntimeID(ctx, planExecutionID, n.ID)
		if err != nil {
			logger.Warn("outcome lookup failed", "plan_execution_id", planExecutionID, "node_execution_id", n.ID, "error", err)
			return info
		}
		info.Outcomes = outcomes
		return info
	}
}
