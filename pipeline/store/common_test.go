package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/store"
)

// runStoreContract exercises the behavior every Store implementation must
// share. Plan and node ids are random so the suite can run against a shared
// database.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create fills defaults", func(t *testing.T) {
		st := newStore(t)
		plan := uuid.NewString()

		node, err := st.CreateNodeExecution(ctx, pipeline.NodeExecution{PlanExecutionID: plan, Name: "build"})
		if err != nil {
			t.Fatalf("CreateNodeExecution failed: %v", err)
		}
		if node.ID == "" {
			t.Error("expected generated id")
		}
		if node.Status != pipeline.StatusQueued {
			t.Errorf("expected QUEUED, got %s", node.Status)
		}
		if node.Version != 1 {
			t.Errorf("expected version 1, got %d", node.Version)
		}

		got, err := st.GetNodeExecution(ctx, node.ID)
		if err != nil {
			t.Fatalf("GetNodeExecution failed: %v", err)
		}
		if got.Name != "build" || got.PlanExecutionID != plan {
			t.Errorf("unexpected record %+v", got)
		}

		if _, err := st.CreateNodeExecution(ctx, pipeline.NodeExecution{ID: node.ID, PlanExecutionID: plan}); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		st := newStore(t)
		if _, err := st.GetNodeExecution(ctx, uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := st.GetInterrupt(ctx, uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("conditional update applies when allowed", func(t *testing.T) {
		st := newStore(t)
		node := mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString(), Status: pipeline.StatusRunning})

		updated, ok, err := st.ConditionalUpdate(ctx, node.ID, pipeline.StatusFailed, pipeline.RunningStatuses, func(n *pipeline.NodeExecution) {
			n.FailureInfo = &pipeline.FailureInfo{ErrorMessage: "boom"}
		})
		if err != nil {
			t.Fatalf("ConditionalUpdate failed: %v", err)
		}
		if !ok {
			t.Fatal("expected update to apply")
		}
		if updated.Status != pipeline.StatusFailed {
			t.Errorf("expected FAILED, got %s", updated.Status)
		}
		if updated.Version != node.Version+1 {
			t.Errorf("expected version %d, got %d", node.Version+1, updated.Version)
		}

		got, _ := st.GetNodeExecution(ctx, node.ID)
		if got.FailureInfo == nil || got.FailureInfo.ErrorMessage != "boom" {
			t.Errorf("mutation not persisted: %+v", got.FailureInfo)
		}
	})

	t.Run("conditional update is a no-op outside allowed set", func(t *testing.T) {
		st := newStore(t)
		node := mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString(), Status: pipeline.StatusSucceeded})

		called := false
		current, ok, err := st.ConditionalUpdate(ctx, node.ID, pipeline.StatusAborted, pipeline.AbortableStatuses, func(n *pipeline.NodeExecution) {
			called = true
		})
		if err != nil {
			t.Fatalf("ConditionalUpdate failed: %v", err)
		}
		if ok || called {
			t.Errorf("expected no-op, ok=%v called=%v", ok, called)
		}
		if current.Status != pipeline.StatusSucceeded || current.Version != node.Version {
			t.Errorf("record changed: %+v", current)
		}
	})

	t.Run("guards", func(t *testing.T) {
		st := newStore(t)
		node := mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString(), Status: pipeline.StatusFailed})
		notRetried := func(n pipeline.NodeExecution) bool { return !n.OldRetry }
		markRetried := func(n *pipeline.NodeExecution) { n.OldRetry = true }

		if _, ok, err := st.ConditionalUpdate(ctx, node.ID, "", pipeline.RetryableStatuses, markRetried, notRetried); err != nil || !ok {
			t.Fatalf("first guarded update: ok=%v err=%v", ok, err)
		}
		current, ok, err := st.ConditionalUpdate(ctx, node.ID, "", pipeline.RetryableStatuses, markRetried, notRetried)
		if err != nil {
			t.Fatalf("second guarded update: %v", err)
		}
		if ok {
			t.Error("expected failing guard to make the update a no-op")
		}
		if current.Version != node.Version+1 {
			t.Errorf("expected version %d, got %d", node.Version+1, current.Version)
		}
	})

	t.Run("empty target keeps status", func(t *testing.T) {
		st := newStore(t)
		node := mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString(), Status: pipeline.StatusRunning})

		updated, ok, err := st.ConditionalUpdate(ctx, node.ID, "", pipeline.NewStatusSet(pipeline.StatusRunning), func(n *pipeline.NodeExecution) {
			n.TaskID = "task-1"
			n.Status = pipeline.StatusSucceeded // ignored
		})
		if err != nil || !ok {
			t.Fatalf("ConditionalUpdate: ok=%v err=%v", ok, err)
		}
		if updated.Status != pipeline.StatusRunning || updated.TaskID != "task-1" {
			t.Errorf("unexpected record %+v", updated)
		}
	})

	t.Run("invalid transitions rejected", func(t *testing.T) {
		st := newStore(t)
		node := mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString()})

		if _, _, err := st.ConditionalUpdate(ctx, node.ID, "BOGUS", pipeline.RunningStatuses, nil); !errors.Is(err, pipeline.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if _, _, err := st.ConditionalUpdate(ctx, node.ID, pipeline.StatusRunning, pipeline.NewStatusSet(), nil); !errors.Is(err, pipeline.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if _, _, err := st.ConditionalUpdate(ctx, uuid.NewString(), pipeline.StatusRunning, pipeline.RunningStatuses, nil); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("append-only fields", func(t *testing.T) {
		st := newStore(t)
		node := mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString(), RetryIDs: []string{"a"}})

		_, _, err := st.ConditionalUpdate(ctx, node.ID, "", pipeline.RunningStatuses, func(n *pipeline.NodeExecution) {
			n.RetryIDs = nil
		})
		if !errors.Is(err, store.ErrInvalidMutation) {
			t.Errorf("expected ErrInvalidMutation, got %v", err)
		}

		updated, ok, err := st.ConditionalUpdate(ctx, node.ID, "", pipeline.RunningStatuses, func(n *pipeline.NodeExecution) {
			n.RetryIDs = append(n.RetryIDs, "b")
		})
		if err != nil || !ok {
			t.Fatalf("append retry id: ok=%v err=%v", ok, err)
		}
		if len(updated.RetryIDs) != 2 || updated.RetryIDs[1] != "b" {
			t.Errorf("unexpected retry ids %v", updated.RetryIDs)
		}
	})

	t.Run("concurrent writers have exactly one winner", func(t *testing.T) {
		st := newStore(t)
		node := mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString(), Status: pipeline.StatusRunning})

		targets := []pipeline.Status{pipeline.StatusSucceeded, pipeline.StatusFailed, pipeline.StatusAborted, pipeline.StatusExpired}
		var wins int32
		var wg sync.WaitGroup
		for _, target := range targets {
			wg.Add(1)
			go func(target pipeline.Status) {
				defer wg.Done()
				_, ok, err := st.ConditionalUpdate(ctx, node.ID, target, pipeline.NewStatusSet(pipeline.StatusRunning), nil)
				if err != nil {
					t.Errorf("ConditionalUpdate(%s) failed: %v", target, err)
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}(target)
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("expected exactly one winner, got %d", wins)
		}
		got, _ := st.GetNodeExecution(ctx, node.ID)
		if !got.Status.IsFinal() {
			t.Errorf("expected a final status, got %s", got.Status)
		}
	})

	t.Run("list by plan ordered by start", func(t *testing.T) {
		st := newStore(t)
		plan := uuid.NewString()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		mustCreateNode(t, st, pipeline.NodeExecution{ID: plan + "-c", PlanExecutionID: plan, StartTs: base.Add(2 * time.Second)})
		mustCreateNode(t, st, pipeline.NodeExecution{ID: plan + "-a", PlanExecutionID: plan, StartTs: base})
		mustCreateNode(t, st, pipeline.NodeExecution{ID: plan + "-b", PlanExecutionID: plan, StartTs: base})
		mustCreateNode(t, st, pipeline.NodeExecution{PlanExecutionID: uuid.NewString()})

		nodes, err := st.ListByPlan(ctx, plan)
		if err != nil {
			t.Fatalf("ListByPlan failed: %v", err)
		}
		var ids []string
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		want := []string{plan + "-a", plan + "-b", plan + "-c"}
		if len(ids) != len(want) {
			t.Fatalf("expected %v, got %v", want, ids)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
			}
		}

		empty, err := st.ListByPlan(ctx, uuid.NewString())
		if err != nil || len(empty) != 0 {
			t.Errorf("expected empty list, got %v (err=%v)", empty, err)
		}
	})

	t.Run("exclusive interrupts", func(t *testing.T) {
		st := newStore(t)
		plan := uuid.NewString()
		node := uuid.NewString()

		first, err := st.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: node, Type: pipeline.InterruptAbort})
		if err != nil {
			t.Fatalf("CreateInterrupt failed: %v", err)
		}
		if first.State != pipeline.InterruptRegistered {
			t.Errorf("expected REGISTERED, got %s", first.State)
		}

		_, err = st.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: node, Type: pipeline.InterruptAbort})
		if !errors.Is(err, store.ErrActiveInterruptExists) {
			t.Fatalf("expected ErrActiveInterruptExists, got %v", err)
		}

		// Non-exclusive types and other targets are unaffected.
		if _, err := st.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: node, Type: pipeline.InterruptMarkSuccess}); err != nil {
			t.Errorf("MARK_SUCCESS alongside ABORT: %v", err)
		}
		if _, err := st.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: uuid.NewString(), Type: pipeline.InterruptAbort}); err != nil {
			t.Errorf("ABORT on another node: %v", err)
		}

		if _, err := st.MarkInterruptState(ctx, first.ID, pipeline.InterruptProcessedSuccessfully, "done"); err != nil {
			t.Fatalf("MarkInterruptState failed: %v", err)
		}
		if _, err := st.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: node, Type: pipeline.InterruptAbort}); err != nil {
			t.Errorf("ABORT after previous one finished: %v", err)
		}
	})

	t.Run("concurrent exclusive interrupts", func(t *testing.T) {
		st := newStore(t)
		plan := uuid.NewString()
		node := uuid.NewString()

		var created int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, NodeExecutionID: node, Type: pipeline.InterruptAbort})
				switch {
				case err == nil:
					atomic.AddInt32(&created, 1)
				case errors.Is(err, store.ErrActiveInterruptExists):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Errorf("expected exactly one ABORT, got %d", created)
		}
		active, err := st.ListActiveForNode(ctx, plan, node)
		if err != nil {
			t.Fatalf("ListActiveForNode failed: %v", err)
		}
		if len(active) != 1 {
			t.Errorf("expected one active interrupt, got %d", len(active))
		}
	})

	t.Run("interrupt lifecycle", func(t *testing.T) {
		st := newStore(t)
		plan := uuid.NewString()
		node := uuid.NewString()

		in, err := st.CreateInterrupt(ctx, pipeline.Interrupt{
			PlanExecutionID: plan,
			NodeExecutionID: node,
			Type:            pipeline.InterruptMarkSuccess,
			Parameters:      map[string]string{"reason": "manual"},
		})
		if err != nil {
			t.Fatalf("CreateInterrupt failed: %v", err)
		}

		processing, err := st.MarkInterruptState(ctx, in.ID, pipeline.InterruptProcessing, "")
		if err != nil {
			t.Fatalf("mark processing: %v", err)
		}
		if processing.State != pipeline.InterruptProcessing {
			t.Errorf("expected PROCESSING, got %s", processing.State)
		}

		planActive, _ := st.ListActiveForPlan(ctx, plan)
		if len(planActive) != 1 {
			t.Errorf("expected one active interrupt for plan, got %d", len(planActive))
		}

		done, err := st.MarkInterruptState(ctx, in.ID, pipeline.InterruptProcessedUnsuccessfully, "node left intervention")
		if err != nil {
			t.Fatalf("mark done: %v", err)
		}
		if done.Message != "node left intervention" {
			t.Errorf("unexpected message %q", done.Message)
		}
		if done.Parameters["reason"] != "manual" {
			t.Errorf("parameters lost: %v", done.Parameters)
		}

		again, err := st.MarkInterruptState(ctx, in.ID, pipeline.InterruptProcessedSuccessfully, "")
		if !errors.Is(err, store.ErrInterruptNotActive) {
			t.Errorf("expected ErrInterruptNotActive, got %v", err)
		}
		if again.State != pipeline.InterruptProcessedUnsuccessfully {
			t.Errorf("terminal state overwritten: %s", again.State)
		}

		active, _ := st.ListActiveForNode(ctx, plan, node)
		if len(active) != 0 {
			t.Errorf("expected no active interrupts, got %d", len(active))
		}
	})

	t.Run("stale interrupts", func(t *testing.T) {
		st := newStore(t)
		plan := uuid.NewString()

		in, _ := st.CreateInterrupt(ctx, pipeline.Interrupt{PlanExecutionID: plan, Type: pipeline.InterruptAbortAll})
		if _, err := st.MarkInterruptState(ctx, in.ID, pipeline.InterruptProcessing, ""); err != nil {
			t.Fatalf("mark processing: %v", err)
		}

		stale, err := st.ListStaleInterrupts(ctx, pipeline.InterruptProcessing, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("ListStaleInterrupts failed: %v", err)
		}
		if !containsInterrupt(stale, in.ID) {
			t.Errorf("expected %s among stale interrupts", in.ID)
		}

		fresh, _ := st.ListStaleInterrupts(ctx, pipeline.InterruptProcessing, time.Now().Add(-time.Hour))
		if containsInterrupt(fresh, in.ID) {
			t.Errorf("did not expect %s to be stale yet", in.ID)
		}
	})

	t.Run("closed store", func(t *testing.T) {
		st := newStore(t)
		if err := st.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := st.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}
		if _, err := st.GetNodeExecution(ctx, "x"); !errors.Is(err, store.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func mustCreateNode(t *testing.T, st store.Store, node pipeline.NodeExecution) pipeline.NodeExecution {
	t.Helper()
	created, err := st.CreateNodeExecution(context.Background(), node)
	if err != nil {
		t.Fatalf("CreateNodeExecution failed: %v", err)
	}
	return created
}

func containsInterrupt(list []pipeline.Interrupt, id string) bool {
	for _, in := range list {
		if in.ID == id {
			return true
		}
	}
	return false
}
