// Package reconcile closes interrupts left active (REGISTERED or
// PROCESSING) by a process that died or failed mid-handling.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/emit"
	"github.com/dshills/pipecore/pipeline/lock"
	"github.com/dshills/pipecore/pipeline/store"
)

const lockName = "interrupt-reconciler"

// Config controls a Reconciler. Zero fields take defaults.
type Config struct {
	// Interval between sweeps. Default 1m.
	Interval time.Duration

	// StaleAfter is how long an interrupt may stay REGISTERED or PROCESSING
	// before it is considered abandoned. Default 10m.
	StaleAfter time.Duration

	// LockTTL bounds how long one sweep holds the singleton lock. Default
	// Interval.
	LockTTL time.Duration
}

// Reconciler periodically marks abandoned REGISTERED and PROCESSING
// interrupts as PROCESSED_UNSUCCESSFULLY. Only one instance across the deployment sweeps
// at a time.
type Reconciler struct {
	interrupts store.InterruptStore
	locker     lock.Locker
	cfg        Config
	logger     *slog.Logger
	emitter    emit.Emitter
	metrics    *pipeline.Metrics
	now        func() time.Time
}

// New creates a Reconciler.
func New(interrupts store.InterruptStore, locker lock.Locker, cfg Config, logger *slog.Logger, emitter emit.Emitter, metrics *pipeline.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Reconciler{
		interrupts: interrupts,
		locker:     locker,
		cfg:        cfg,
		logger:     logger,
		emitter:    emit.OrNull(emitter),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx, r.logger)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error("interrupt reconcile sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass if the singleton lock is free and returns the number
// of interrupts it closed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	logger := ctxlog.FromContext(ctx, r.logger)

	l, ok, err := r.locker.TryAcquire(ctx, lockName, r.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		logger.Debug("interrupt reconciler lock held elsewhere")
		return 0, nil
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release reconciler lock", "error", err)
		}
	}()

	cutoff := r.now().Add(-r.cfg.StaleAfter)
	closed := 0
	defer func() { r.metrics.AddReconciled(closed) }()
	for _, state := range []pipeline.InterruptState{pipeline.InterruptRegistered, pipeline.InterruptProcessing} {
		n, err := r.closeStale(ctx, logger, state, cutoff)
		closed += n
		if err != nil {
			return closed, err
		}
	}
	return closed, nil
}

func (r *Reconciler) closeStale(ctx context.Context, logger *slog.Logger, state pipeline.InterruptState, cutoff time.Time) (int, error) {
	stale, err := r.interrupts.ListStaleInterrupts(ctx, state, cutoff)
	if err != nil {
		return 0, err
	}

	message := "abandoned while " + strings.ToLower(string(state))
	closed := 0
	for _, in := range stale {
		updated, err := r.interrupts.MarkInterruptState(ctx, in.ID, pipeline.InterruptProcessedUnsuccessfully, message)
		if errors.Is(err, store.ErrInterruptNotActive) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed++
		r.metrics.RecordInterrupt(updated.Type, updated.State)
		r.emitter.Emit(emit.Event{
			PlanExecutionID: updated.PlanExecutionID,
			NodeExecutionID: updated.NodeExecutionID,
			Msg:             emit.MsgInterruptReconciled,
			Meta: map[string]interface{}{
				"interrupt_id": updated.ID,
				"type":         string(updated.Type),
				"state":        string(updated.State),
			},
		})
		logger.Warn("closed abandoned interrupt", "interrupt_id", updated.ID, "plan_execution_id", updated.PlanExecutionID,
			"type", string(updated.Type), "was", string(state))
	}
	return closed, nil
}
