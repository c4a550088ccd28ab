package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/emit"
	"github.com/dshills/pipecore/pipeline/lock"
	"github.com/dshills/pipecore/pipeline/store"
)

type busyLocker struct{}

func (busyLocker) TryAcquire(context.Context, string, time.Duration) (*lock.Lock, bool, error) {
	return nil, false, nil
}

type brokenLocker struct{}

func (brokenLocker) TryAcquire(context.Context, string, time.Duration) (*lock.Lock, bool, error) {
	return nil, false, errors.New("redis down")
}

func seed(t *testing.T, st store.Store, state pipeline.InterruptState) pipeline.Interrupt {
	t.Helper()
	in, err := st.CreateInterrupt(context.Background(), pipeline.Interrupt{
		PlanExecutionID: "plan-1",
		NodeExecutionID: "node-1",
		Type:            pipeline.InterruptMarkSuccess,
		State:           state,
	})
	require.NoError(t, err)
	return in
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	buf := emit.NewBufferedEmitter()

	stuck := seed(t, st, pipeline.InterruptProcessing)
	registered := seed(t, st, pipeline.InterruptRegistered)

	r := New(st, lock.NewMemLocker(), Config{StaleAfter: time.Minute}, ctxlog.Discard(), buf, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := st.GetInterrupt(ctx, stuck.ID)
	assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, got.State)
	assert.Equal(t, "abandoned while processing", got.Message)

	never, _ := st.GetInterrupt(ctx, registered.ID)
	assert.Equal(t, pipeline.InterruptProcessedUnsuccessfully, never.State)
	assert.Equal(t, "abandoned while registered", never.Message)

	assert.Len(t, buf.GetHistoryWithFilter("plan-1", emit.HistoryFilter{Msg: emit.MsgInterruptReconciled}), 2)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep finds nothing")
}

func TestSweep_FreshInterruptsKept(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	in := seed(t, st, pipeline.InterruptProcessing)

	r := New(st, lock.NewMemLocker(), Config{StaleAfter: time.Hour}, ctxlog.Discard(), nil, nil)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := st.GetInterrupt(ctx, in.ID)
	assert.Equal(t, pipeline.InterruptProcessing, got.State)
}

func TestSweep_Lock(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st, pipeline.InterruptProcessing)

	busy := New(st, busyLocker{}, Config{}, ctxlog.Discard(), nil, nil)
	busy.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := busy.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "lock held elsewhere skips the sweep")

	broken := New(st, brokenLocker{}, Config{}, ctxlog.Discard(), nil, nil)
	_, err = broken.Sweep(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := store.NewMemStore()
	r := New(st, lock.NewMemLocker(), Config{Interval: 5 * time.Millisecond}, ctxlog.Discard(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
}
