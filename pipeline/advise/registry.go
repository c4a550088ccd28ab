package advise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/emit"
	"github.com/dshills/pipecore/pipeline/store"
)

// ErrUnknownAdviser is returned when a chain names an adviser type that is
// not registered.
var ErrUnknownAdviser = errors.New("unknown adviser type")

// Registry maps adviser types to advisers and evaluates adviser chains.
type Registry struct {
	advisers map[AdviserType]Adviser
	logger   *slog.Logger
	emitter  emit.Emitter
	metrics  *pipeline.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithEmitter sets the observability emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(r *Registry) { r.emitter = emit.OrNull(e) }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *pipeline.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithAdviser registers (or replaces) an adviser.
func WithAdviser(a Adviser) Option {
	return func(r *Registry) { r.advisers[a.Type()] = a }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		advisers: make(map[AdviserType]Adviser),
		emitter:  emit.NewNullEmitter(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry creates a Registry with every built-in adviser. opts
// are applied after the built-ins, so WithAdviser can replace one.
func NewDefaultRegistry(nodes store.NodeExecutionStore, opts ...Option) *Registry {
	builtins := []Option{
		WithAdviser(NewRetryAdviser(nodes)),
		WithAdviser(OnFailAdviser{}),
		WithAdviser(IgnoreAdviser{}),
		WithAdviser(ManualInterventionAdviser{}),
		WithAdviser(NextStepAdviser{}),
	}
	return NewRegistry(append(builtins, opts...)...)
}

// Adviser returns the adviser registered for t.
func (r *Registry) Adviser(t AdviserType) (Adviser, bool) {
	a, ok := r.advisers[t]
	return a, ok
}

// Advise evaluates chain in order for node and returns the advise of the
// first applicable adviser. ok is false when none applies.
func (r *Registry) Advise(ctx context.Context, node pipeline.NodeExecution, fromStatus pipeline.Status, chain []Obtainment) (pipeline.Advise, bool, error) {
	logger := ctxlog.FromContext(ctx, r.logger)

	for _, ob := range chain {
		a, ok := r.advisers[ob.Type]
		if !ok {
			return nil, false, fmt.Errorf("%w: %q", ErrUnknownAdviser, ob.Type)
		}
		event := Event{Node: node, FromStatus: fromStatus, Obtainment: ob}
		if !a.CanAdvise(ctx, event) {
			continue
		}

		advise, err := a.OnAdviseEvent(ctx, event)
		if err != nil {
			return nil, false, fmt.Errorf("adviser %s: %w", ob.Type, err)
		}

		desc := pipeline.DescribeAdvise(advise)
		logger.Info("advise produced", "node_execution_id", node.ID, "adviser", string(ob.Type), "advise", desc)
		r.metrics.RecordAdvise(string(ob.Type), advise.Type())
		r.emitter.Emit(emit.Event{
			PlanExecutionID: node.PlanExecutionID,
			NodeExecutionID: node.ID,
			Msg:             emit.MsgAdvise,
			Meta: map[string]interface{}{
				"adviser": string(ob.Type),
				"advise":  desc,
			},
		})
		return advise, true, nil
	}
	return nil, false, nil
}
