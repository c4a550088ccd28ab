package status

import (
	"context"

	"github.com/dshills/pipecore/pipeline"
)

// Resumer continues execution after a node concludes, typically by resuming
// the parent node or the plan. It is an external collaborator.
type Resumer interface {
	OnConcluded(ctx context.Context, node pipeline.NodeExecution) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, node pipeline.NodeExecution) error

// OnConcluded implements Resumer.
func (f ResumerFunc) OnConcluded(ctx context.Context, node pipeline.NodeExecution) error {
	return f(ctx, node)
}

// NopResumer does nothing.
type NopResumer struct{}

// OnConcluded implements Resumer.
func (NopResumer) OnConcluded(context.Context, pipeline.NodeExecution) error { return nil }
