package interrupt_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/emit"
	"github.com/dshills/pipecore/pipeline/interrupt"
	"github.com/dshills/pipecore/pipeline/status"
	"github.com/dshills/pipecore/pipeline/store"
)

const plan = "plan-1"

type fixture struct {
	store        *store.MemStore
	events       *emit.BufferedEmitter
	dispatcher   *interrupt.Dispatcher
	discontinued []string
	mu           sync.Mutex
}

func newFixture(t *testing.T, opts ...func(*interrupt.Deps)) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemStore(), events: emit.NewBufferedEmitter()}
	deps := interrupt.Deps{
		Store:   f.store,
		Emitter: f.events,
		Discontinuer: interrupt.DiscontinuerFunc(func(_ context.Context, node pipeline.NodeExecution, _ pipeline.Interrupt) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.discontinued = append(f.discontinued, node.ID)
			return nil
		}),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.dispatcher = interrupt.NewDefaultDispatcher(deps)
	return f
}

func (f *fixture) node(t *testing.T, id string, st pipeline.Status) pipeline.NodeExecution {
	t.Helper()
	n, err := f.store.CreateNodeExecution(context.Background(), pipeline.NodeExecution{ID: id, PlanExecutionID: plan, Status: st})
	require.NoError(t, err)
	return n
}

func (f *fixture) get(t *testing.T, id string) pipeline.NodeExecution {
	t.Helper()
	n, err := f.store.GetNodeExecution(context.Background(), id)
	require.NoError(t, err)
	return n
}

func (f *fixture) register(t pipeline.InterruptType, nodeID string) (pipeline.Interrupt, error) {
	return f.dispatcher.Register(context.Background(), interrupt.Request{Type: t, PlanExecutionID: plan, NodeExecutionID: nodeID})
}

func TestAbort_EveryStatus(t *testing.T) {
	for _, st := range pipeline.AllStatuses() {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(t)
			f.node(t, "n1", st)

			in, err := f.register(pipeline.InterruptAbort, "n1")
			got := f.get(t, "n1")

			if pipeline.AbortableStatuses.Contains(st) {
				require.NoError(t, err)
				assert.Equal(t, pipeline.StatusDiscontinuing, got.Status)
				assert.Equal(t, pipeline.InterruptProcessedSuccessfully, in.State)
				require.Len(t, got.InterruptHistories, 1)
				assert.Equal(t, in.ID, got.InterruptHistories[0].InterruptID)
				assert.Equal(t, []string{"n1"}, f.discontinued)
				return
			}

			assert.ErrorIs(t, err, pipeline.ErrInterruptProcessingFailed)
			assert.Equal(t, st, got.Status, "status must be unchanged")
			assert.Empty(t, got.InterruptHistories)
			assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, in.State)
			assert.NotEmpty(t, in.Message)
			assert.Empty(t, f.discontinued)

			stored, getErr := f.store.GetInterrupt(context.Background(), in.ID)
			require.NoError(t, getErr)
			assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, stored.State)
		})
	}
}

func TestAbort_RequiresNodeID(t *testing.T) {
	f := newFixture(t)
	_, err := f.register(pipeline.InterruptAbort, "")

	assert.ErrorIs(t, err, pipeline.ErrInvalidRequest)
	var ie *pipeline.InterruptError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, interrupt.CodeInvalidRequest, ie.Code)

	active, _ := f.store.ListActiveForPlan(context.Background(), plan)
	assert.Empty(t, active)
}

func TestAbort_DuplicateConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, "n1", pipeline.StatusRunning)

	existing, err := f.store.CreateInterrupt(ctx, pipeline.Interrupt{
		PlanExecutionID: plan,
		NodeExecutionID: "n1",
		Type:            pipeline.InterruptAbort,
		State:           pipeline.InterruptProcessing,
	})
	require.NoError(t, err)

	_, err = f.register(pipeline.InterruptAbort, "n1")
	assert.ErrorIs(t, err, pipeline.ErrInterruptConflict)

	active, err := f.store.ListActiveForNode(ctx, plan, "n1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, existing.ID, active[0].ID)
	assert.Equal(t, pipeline.StatusRunning, f.get(t, "n1").Status)
}

func TestAbort_ConcurrentRegistrations(t *testing.T) {
	const callers = 6
	release := make(chan struct{})
	f := newFixture(t, func(d *interrupt.Deps) {
		d.Discontinuer = interrupt.DiscontinuerFunc(func(context.Context, pipeline.NodeExecution, pipeline.Interrupt) error {
			<-release
			return nil
		})
	})
	f.node(t, "n1", pipeline.StatusTaskWaiting)

	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := f.register(pipeline.InterruptAbort, "n1")
			results <- err
		}()
	}

	var conflicts int
	for i := 0; i < callers-1; i++ {
		err := <-results
		require.ErrorIs(t, err, pipeline.ErrInterruptConflict)
		conflicts++
	}

	active, err := f.store.ListActiveForNode(context.Background(), plan, "n1")
	require.NoError(t, err)
	assert.Len(t, active, 1, "exactly one ABORT may be active")

	close(release)
	assert.NoError(t, <-results)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, pipeline.StatusDiscontinuing, f.get(t, "n1").Status)
}

func TestAbort_SupersedesOtherInterrupts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, "n1", pipeline.StatusInterventionWaiting)

	registered, err := f.store.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: "n1", Type: pipeline.InterruptMarkSuccess})
	require.NoError(t, err)
	processing, err := f.store.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: "n1", Type: pipeline.InterruptRetry, State: pipeline.InterruptProcessing})
	require.NoError(t, err)

	_, err = f.register(pipeline.InterruptAbort, "n1")
	require.NoError(t, err)

	got, _ := f.store.GetInterrupt(ctx, registered.ID)
	assert.Equal(t, pipeline.InterruptDiscarded, got.State)
	got, _ = f.store.GetInterrupt(ctx, processing.ID)
	assert.Equal(t, pipeline.InterruptProcessedSuccessfully, got.State)
}

func TestAbort_DiscontinueFailure(t *testing.T) {
	boom := errors.New("task executor unreachable")
	f := newFixture(t, func(d *interrupt.Deps) {
		d.Discontinuer = interrupt.DiscontinuerFunc(func(context.Context, pipeline.NodeExecution, pipeline.Interrupt) error {
			return boom
		})
	})
	f.node(t, "n1", pipeline.StatusRunning)

	in, err := f.register(pipeline.InterruptAbort, "n1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, in.State)
	assert.Equal(t, pipeline.StatusDiscontinuing, f.get(t, "n1").Status, "no rollback of the durable write")

	failed := f.events.GetHistoryWithFilter(plan, emit.HistoryFilter{Msg: emit.MsgInterruptFailed})
	assert.Len(t, failed, 1)
}

// failingStart fails the first n moves to PROCESSING.
type failingStart struct {
	store.Store
	mu sync.Mutex
	n  int
}

func (s *failingStart) MarkInterruptState(ctx context.Context, id string, state pipeline.InterruptState, message string) (pipeline.Interrupt, error) {
	s.mu.Lock()
	fail := state == pipeline.InterruptProcessing && s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return pipeline.Interrupt{}, errors.New("connection reset")
	}
	return s.Store.MarkInterruptState(ctx, id, state, message)
}

func TestAbort_StartFailureReleasesTarget(t *testing.T) {
	f := newFixture(t, func(d *interrupt.Deps) {
		d.Store = &failingStart{Store: d.Store, n: 1}
	})
	f.node(t, "n1", pipeline.StatusRunning)

	in, err := f.register(pipeline.InterruptAbort, "n1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, in.State)
	assert.Equal(t, pipeline.StatusRunning, f.get(t, "n1").Status)

	stored, err := f.store.GetInterrupt(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, stored.State)

	again, err := f.register(pipeline.InterruptAbort, "n1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.InterruptProcessedSuccessfully, again.State)
	assert.Equal(t, pipeline.StatusDiscontinuing, f.get(t, "n1").Status)
	assert.Len(t, f.events.GetHistoryWithFilter(plan, emit.HistoryFilter{Msg: emit.MsgInterruptFailed}), 1)
}

func TestAbort_HandleInterruptUnsupported(t *testing.T) {
	f := newFixture(t)
	h, ok := f.dispatcher.Handler(pipeline.InterruptAbort)
	require.True(t, ok)

	_, err := h.HandleInterrupt(context.Background(), pipeline.Interrupt{Type: pipeline.InterruptAbort, PlanExecutionID: plan})
	assert.ErrorIs(t, err, pipeline.ErrUnsupportedInterrupt)
}

func TestMarkStatus(t *testing.T) {
	tests := []struct {
		typ    pipeline.InterruptType
		target pipeline.Status
	}{
		{pipeline.InterruptMarkSuccess, pipeline.StatusSucceeded},
		{pipeline.InterruptMarkFailed, pipeline.StatusFailed},
		{pipeline.InterruptIgnoreFailed, pipeline.StatusIgnoreFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.node(t, "parked", pipeline.StatusInterventionWaiting)
			f.node(t, "running", pipeline.StatusRunning)

			_, err := f.register(tt.typ, "running")
			assert.ErrorIs(t, err, pipeline.ErrPreconditionFailed)
			assert.Equal(t, pipeline.StatusRunning, f.get(t, "running").Status)
			active, _ := f.store.ListActiveForNode(ctx, plan, "running")
			assert.Empty(t, active, "rejected interrupts are not persisted")

			in, err := f.register(tt.typ, "parked")
			require.NoError(t, err)
			assert.Equal(t, pipeline.InterruptProcessedSuccessfully, in.State)

			got := f.get(t, "parked")
			assert.Equal(t, tt.target, got.Status)
			assert.False(t, got.EndTs.IsZero())
			require.Len(t, got.InterruptHistories, 1)
			assert.Equal(t, tt.typ, got.InterruptHistories[0].InterruptType)
		})
	}
}

func TestMarkSuccess_AppendsExactlyOneEffect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.CreateNodeExecution(ctx, pipeline.NodeExecution{
		ID:              "n1",
		PlanExecutionID: plan,
		Status:          pipeline.StatusInterventionWaiting,
		InterruptHistories: []pipeline.InterruptEffect{
			{InterruptID: "earlier", InterruptType: pipeline.InterruptRetry},
		},
	})
	require.NoError(t, err)

	in, err := f.register(pipeline.InterruptMarkSuccess, "n1")
	require.NoError(t, err)

	got := f.get(t, "n1")
	assert.Equal(t, pipeline.StatusSucceeded, got.Status)
	require.Len(t, got.InterruptHistories, 2)
	assert.Equal(t, "earlier", got.InterruptHistories[0].InterruptID)
	assert.Equal(t, in.ID, got.InterruptHistories[1].InterruptID)
}

func TestMarkSuccess_ConcludeFailure(t *testing.T) {
	boom := errors.New("plan resume failed")
	var st *store.MemStore
	f := newFixture(t, func(d *interrupt.Deps) {
		st = d.Store.(*store.MemStore)
		d.Authority = status.NewAuthority(st, status.WithResumer(status.ResumerFunc(func(context.Context, pipeline.NodeExecution) error {
			return boom
		})))
	})
	f.node(t, "n1", pipeline.StatusInterventionWaiting)

	in, err := f.register(pipeline.InterruptMarkSuccess, "n1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, in.State)

	stored, _ := f.store.GetInterrupt(context.Background(), in.ID)
	assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, stored.State)
}

func TestRetryInterrupt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, "n1", pipeline.StatusInterventionWaiting)

	in, err := f.register(pipeline.InterruptRetry, "n1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.InterruptProcessedSuccessfully, in.State)

	attemptID := in.Parameters[interrupt.ParamRetryNodeExecutionID]
	require.NotEmpty(t, attemptID)

	old := f.get(t, "n1")
	assert.Equal(t, pipeline.StatusFailed, old.Status)
	assert.True(t, old.OldRetry)

	attempt, err := f.store.GetNodeExecution(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusQueued, attempt.Status)
	assert.Equal(t, []string{"n1"}, attempt.RetryIDs)

	_, err = f.register(pipeline.InterruptRetry, "n1")
	assert.ErrorIs(t, err, pipeline.ErrPreconditionFailed)
}

func TestAbortAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, "running", pipeline.StatusRunning)
	f.node(t, "waiting", pipeline.StatusTaskWaiting)
	f.node(t, "done", pipeline.StatusSucceeded)

	_, err := f.register(pipeline.InterruptAbortAll, "running")
	assert.ErrorIs(t, err, pipeline.ErrInvalidRequest)

	in, err := f.register(pipeline.InterruptAbortAll, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.InterruptProcessedSuccessfully, in.State)

	assert.Equal(t, pipeline.StatusDiscontinuing, f.get(t, "running").Status)
	assert.Equal(t, pipeline.StatusDiscontinuing, f.get(t, "waiting").Status)
	assert.Equal(t, pipeline.StatusSucceeded, f.get(t, "done").Status)
	assert.ElementsMatch(t, []string{"running", "waiting"}, f.discontinued)

	_, err = f.store.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, Type: pipeline.InterruptAbortAll, State: pipeline.InterruptProcessing})
	require.NoError(t, err)
	_, err = f.register(pipeline.InterruptAbortAll, "")
	assert.ErrorIs(t, err, pipeline.ErrInterruptConflict)

	h, _ := f.dispatcher.Handler(pipeline.InterruptAbortAll)
	_, err = h.HandleInterruptForNodeExecution(ctx, in, "running")
	assert.ErrorIs(t, err, pipeline.ErrUnsupportedInterrupt)
}

func TestDispatcher_Routing(t *testing.T) {
	f := newFixture(t)

	for _, typ := range []pipeline.InterruptType{pipeline.InterruptPause, pipeline.InterruptResume, "BOGUS"} {
		_, err := f.register(typ, "n1")
		assert.ErrorIs(t, err, pipeline.ErrUnsupportedInterrupt, string(typ))
	}

	_, err := f.dispatcher.Register(context.Background(), interrupt.Request{Type: pipeline.InterruptAbort, NodeExecutionID: "n1"})
	assert.ErrorIs(t, err, pipeline.ErrInvalidRequest)

	_, err = f.register(pipeline.InterruptAbort, "missing")
	assert.ErrorIs(t, err, pipeline.ErrInvalidRequest)
}
