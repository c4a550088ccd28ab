// Package interrupt routes operator and system interrupts to their handlers.
//
// Each handler follows the same lifecycle: validate the request against the
// current store state (rejections never persist anything), persist the
// interrupt and move it to PROCESSING, act on the node through the Status
// Authority, then record PROCESSED_SUCCESSFULLY or PROCESSED_UNSUCCESSFULLY.
// An interrupt that was accepted but failed reports the failure through its
// terminal State as well as the returned error.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/emit"
	"github.com/dshills/pipecore/pipeline/status"
	"github.com/dshills/pipecore/pipeline/store"
)

// Handler is implemented by every interrupt type handler.
type Handler interface {
	// RegisterInterrupt validates and persists the interrupt, then handles it.
	RegisterInterrupt(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error)

	// HandleInterruptForNodeExecution applies a persisted interrupt to one
	// node.
	HandleInterruptForNodeExecution(ctx context.Context, in pipeline.Interrupt, nodeExecutionID string) (pipeline.Interrupt, error)

	// HandleInterrupt applies a persisted plan-wide interrupt. Node-scoped
	// handlers return ErrUnsupportedInterrupt.
	HandleInterrupt(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error)
}

// Discontinuer cascades cancellation of a node that was moved to
// DISCONTINUING: its children and any outstanding remote task.
type Discontinuer interface {
	Discontinue(ctx context.Context, node pipeline.NodeExecution, in pipeline.Interrupt) error
}

// DiscontinuerFunc adapts a function to Discontinuer.
type DiscontinuerFunc func(ctx context.Context, node pipeline.NodeExecution, in pipeline.Interrupt) error

// Discontinue implements Discontinuer.
func (f DiscontinuerFunc) Discontinue(ctx context.Context, node pipeline.NodeExecution, in pipeline.Interrupt) error {
	return f(ctx, node, in)
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Store        store.Store
	Authority    *status.Authority
	Discontinuer Discontinuer
	Logger       *slog.Logger
	Emitter      emit.Emitter
	Metrics      *pipeline.Metrics
	Now          func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Authority == nil {
		d.Authority = status.NewAuthority(d.Store, status.WithLogger(d.Logger), status.WithEmitter(d.Emitter), status.WithMetrics(d.Metrics))
	}
	if d.Discontinuer == nil {
		d.Discontinuer = DiscontinuerFunc(func(context.Context, pipeline.NodeExecution, pipeline.Interrupt) error { return nil })
	}
	d.Emitter = emit.OrNull(d.Emitter)
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// base carries the lifecycle steps every handler shares.
type base struct {
	Deps
}

func newBase(deps Deps) base {
	return base{Deps: deps.withDefaults()}
}

// persist stores a new interrupt and moves it to PROCESSING.
func (b base) persist(ctx context.Context, in pipeline.Interrupt) (pipeline.Interrupt, error) {
	in.State = pipeline.InterruptRegistered
	stored, err := b.Store.CreateInterrupt(ctx, in)
	if errors.Is(err, store.ErrActiveInterruptExists) {
		return pipeline.Interrupt{}, newError(CodeConflict, pipeline.ErrInterruptConflict, in,
			fmt.Sprintf("an active %s interrupt already exists", in.Type))
	}
	if err != nil {
		return pipeline.Interrupt{}, fmt.Errorf("persist %s interrupt: %w", in.Type, err)
	}
	b.Metrics.RecordInterrupt(stored.Type, stored.State)
	b.Emitter.Emit(emit.Event{
		PlanExecutionID: stored.PlanExecutionID,
		NodeExecutionID: stored.NodeExecutionID,
		Msg:             emit.MsgInterruptRegistered,
		Meta: map[string]interface{}{
			"interrupt_id": stored.ID,
			"type":         string(stored.Type),
		},
	})

	processing, err := b.Store.MarkInterruptState(ctx, stored.ID, pipeline.InterruptProcessing, "")
	if err != nil {
		// Close it so it stops holding the target's exclusivity key.
		return b.finish(ctx, stored, fmt.Errorf("start processing interrupt %s: %w", stored.ID, err))
	}
	b.Metrics.RecordInterrupt(processing.Type, processing.State)
	return processing, nil
}

// finish records the outcome of handling. cause == nil marks the interrupt
// PROCESSED_SUCCESSFULLY; anything else marks it PROCESSED_UNSUCCESSFULLY and
// is returned unchanged.
func (b base) finish(ctx context.Context, in pipeline.Interrupt, cause error) (pipeline.Interrupt, error) {
	logger := ctxlog.FromContext(ctx, b.Logger)

	state := pipeline.InterruptProcessedSuccessfully
	message := ""
	if cause != nil {
		state = pipeline.InterruptProcessedUnsuccessfully
		message = cause.Error()
	}

	done, err := b.Store.MarkInterruptState(ctx, in.ID, state, message)
	switch {
	case errors.Is(err, store.ErrInterruptNotActive):
		// Closed by someone else (the reconciler); keep their verdict.
		logger.Warn("interrupt already closed", "interrupt_id", in.ID, "state", string(done.State))
	case err != nil:
		logger.Error("failed to record interrupt outcome", "interrupt_id", in.ID, "state", string(state), "error", err)
		in.State = state
		in.Message = message
		done = in
		if cause == nil {
			cause = fmt.Errorf("record outcome of interrupt %s: %w", in.ID, err)
		}
	default:
		b.Metrics.RecordInterrupt(done.Type, done.State)
	}

	ev := emit.Event{
		PlanExecutionID: in.PlanExecutionID,
		NodeExecutionID: in.NodeExecutionID,
		Msg:             emit.MsgInterruptProcessed,
		Meta: map[string]interface{}{
			"interrupt_id": in.ID,
			"type":         string(in.Type),
			"state":        string(done.State),
		},
	}
	if cause != nil {
		ev.Msg = emit.MsgInterruptFailed
		ev.Meta["error"] = cause.Error()
	}
	b.Emitter.Emit(ev)
	return done, cause
}

// settleOthers closes the other active interrupts of a target that an abort
// supersedes: PROCESSING ones count as done, REGISTERED ones are discarded.
func (b base) settleOthers(ctx context.Context, active []pipeline.Interrupt, reason string) error {
	logger := ctxlog.FromContext(ctx, b.Logger)
	for _, other := range active {
		next := pipeline.InterruptDiscarded
		if other.State == pipeline.InterruptProcessing {
			next = pipeline.InterruptProcessedSuccessfully
		}
		closed, err := b.Store.MarkInterruptState(ctx, other.ID, next, reason)
		if errors.Is(err, store.ErrInterruptNotActive) {
			continue
		}
		if err != nil {
			return fmt.Errorf("settle interrupt %s: %w", other.ID, err)
		}
		b.Metrics.RecordInterrupt(closed.Type, closed.State)
		logger.Debug("superseded interrupt closed", "interrupt_id", other.ID, "state", string(closed.State))
	}
	return nil
}

// loadTarget fetches the node an interrupt targets and checks it belongs to
// the interrupt's plan.
func (b base) loadTarget(ctx context.Context, in pipeline.Interrupt) (pipeline.NodeExecution, error) {
	if in.NodeExecutionID == "" {
		return pipeline.NodeExecution{}, newError(CodeInvalidRequest, pipeline.ErrInvalidRequest, in,
			fmt.Sprintf("%s requires a node execution id", in.Type))
	}
	node, err := b.Store.GetNodeExecution(ctx, in.NodeExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return pipeline.NodeExecution{}, newError(CodeInvalidRequest, pipeline.ErrInvalidRequest, in, "node execution does not exist")
	}
	if err != nil {
		return pipeline.NodeExecution{}, err
	}
	if node.PlanExecutionID != in.PlanExecutionID {
		return pipeline.NodeExecution{}, newError(CodeInvalidRequest, pipeline.ErrInvalidRequest, in,
			fmt.Sprintf("node execution belongs to plan %s", node.PlanExecutionID))
	}
	return node, nil
}

func unsupported(in pipeline.Interrupt, scope string) error {
	return newError(CodeUnsupported, pipeline.ErrUnsupportedInterrupt, in,
		fmt.Sprintf("%s interrupts cannot be handled %s", in.Type, scope))
}
