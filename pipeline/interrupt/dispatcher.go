package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
)

// Request is a caller's ask to register an interrupt.
type Request struct {
	Type            pipeline.InterruptType
	PlanExecutionID string
	// NodeExecutionID is empty for plan-wide interrupts.
	NodeExecutionID string
	Parameters      map[string]string
}

// Dispatcher routes interrupts to the handler registered for their type.
//
// The registry is an explicit map over the closed InterruptType enum; types
// without a handler (PAUSE and RESUME by default) are rejected with
// ErrUnsupportedInterrupt.
type Dispatcher struct {
	handlers map[pipeline.InterruptType]Handler
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher over handlers. The map is copied.
func NewDispatcher(handlers map[pipeline.InterruptType]Handler, logger *slog.Logger) *Dispatcher {
	registry := make(map[pipeline.InterruptType]Handler, len(handlers))
	for t, h := range handlers {
		registry[t] = h
	}
	return &Dispatcher{handlers: registry, logger: logger, now: time.Now}
}

// NewDefaultDispatcher wires every built-in handler over deps.
func NewDefaultDispatcher(deps Deps) *Dispatcher {
	deps = deps.withDefaults()
	return NewDispatcher(map[pipeline.InterruptType]Handler{
		pipeline.InterruptAbort:        NewAbortHandler(deps),
		pipeline.InterruptAbortAll:     NewAbortAllHandler(deps),
		pipeline.InterruptMarkSuccess:  NewMarkSuccessHandler(deps),
		pipeline.InterruptMarkFailed:   NewMarkFailedHandler(deps),
		pipeline.InterruptIgnoreFailed: NewIgnoreFailedHandler(deps),
		pipeline.InterruptRetry:        NewRetryHandler(deps),
	}, deps.Logger)
}

// Handler returns the handler registered for t.
func (d *Dispatcher) Handler(t pipeline.InterruptType) (Handler, bool) {
	h, ok := d.handlers[t]
	return h, ok
}

// Register builds an interrupt from req and hands it to its handler.
//
// Precondition failures are returned without persisting anything. Once an
// interrupt is persisted the stored value is returned even when handling
// fails, so callers can inspect its terminal State.
func (d *Dispatcher) Register(ctx context.Context, req Request) (pipeline.Interrupt, error) {
	in := pipeline.Interrupt{
		ID:              uuid.NewString(),
		PlanExecutionID: req.PlanExecutionID,
		NodeExecutionID: req.NodeExecutionID,
		Type:            req.Type,
		State:           pipeline.InterruptRegistered,
		CreatedAt:       d.now().UTC(),
	}
	if len(req.Parameters) > 0 {
		in.Parameters = make(map[string]string, len(req.Parameters))
		for k, v := range req.Parameters {
			in.Parameters[k] = v
		}
	}

	if req.PlanExecutionID == "" {
		return pipeline.Interrupt{}, newError(CodeInvalidRequest, pipeline.ErrInvalidRequest, in, "plan execution id is required")
	}
	h, ok := d.handlers[req.Type]
	if !ok {
		return pipeline.Interrupt{}, newError(CodeUnsupported, pipeline.ErrUnsupportedInterrupt, in,
			fmt.Sprintf("no handler for interrupt type %q", req.Type))
	}

	ctxlog.FromContext(ctx, d.logger).Debug("registering interrupt",
		"interrupt_id", in.ID,
		"type", string(in.Type),
		"plan_execution_id", in.PlanExecutionID,
		"node_execution_id", in.NodeExecutionID)
	return h.RegisterInterrupt(ctx, in)
}
