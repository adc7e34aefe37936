package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/stackrun/internal/persistence"
)

// ErrFrameTerminal is returned by FailFrame for a frame that already finished.
var ErrFrameTerminal = errors.New("frame already terminal")

// FailFrame fails a non-terminal frame from outside the dispatch path and
// propagates the failure. Used for frames orphaned by a crashed worker.
func (e *Engine) FailFrame(ctx context.Context, stackRunID, reason string) error {
	f, err := e.store.GetStackRun(ctx, stackRunID)
	if err != nil {
		return err
	}
	if f.Status.Terminal() {
		return fmt.Errorf("fail %s: %w", stackRunID, ErrFrameTerminal)
	}
	fe := &FrameError{Message: reason, StackRunID: f.ID}
	if !f.IsTaskBody() {
		fe.Service, fe.Method = f.ServiceName, f.MethodName
	}
	ok, err := e.store.FailStackRun(ctx, f.ID, fe.encode(), finishesTask(f))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fail %s: %w", stackRunID, ErrFrameTerminal)
	}
	e.metrics.FrameFailures.Add(ctx, 1)
	e.logger.Warn("frame failed by watchdog", "stack_run_id", f.ID, "task_run_id", f.TaskRunID, "reason", reason)

	if vm, err := DecodeVMState(f); err == nil && vm.LockToken != "" {
		e.releaseLease(ctx, lease{taskRunID: f.TaskRunID, token: vm.LockToken})
	}
	f.Status = persistence.StackRunFailed
	f.Error = fe.encode()
	if _, err := e.propagate(ctx, f); err != nil {
		return err
	}

	// A crashed owner leaves no token behind; clear whatever lock a finished
	// chain still carries.
	tr, err := e.store.GetTaskRun(ctx, f.TaskRunID)
	if err != nil {
		return err
	}
	if tr.Status.Terminal() {
		if held, err := e.store.GetTaskLock(ctx, f.TaskRunID); err == nil && held != nil {
			e.releaseLease(ctx, lease{taskRunID: f.TaskRunID, token: held.LockedBy})
		}
	}
	e.notify()
	return nil
}

// RecoverStranded finishes propagation for terminal frames whose parent is
// still suspended on them, as left by a worker that stopped between the two
// commits. Returns how many parents it moved on. Racing a live propagation
// is harmless: the parent transitions are guarded on waiting_on.
func (e *Engine) RecoverStranded(ctx context.Context) (int, error) {
	children, err := e.store.ListStrandedChildren(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range children {
		child := &children[i]
		before, err := e.store.FindWaitingParent(ctx, child.ID)
		if err != nil {
			return n, err
		}
		if _, err := e.propagate(ctx, child); err != nil {
			return n, err
		}
		if before == nil {
			continue
		}
		after, err := e.store.GetStackRun(ctx, before.ID)
		if err != nil {
			return n, err
		}
		if after.Status != persistence.StackRunSuspended {
			n++
			e.logger.Warn("stranded parent recovered",
				"stack_run_id", after.ID, "task_run_id", after.TaskRunID, "child", child.ID, "status", after.Status)
		}
	}
	return n, nil
}

// FailStale fails frames that have sat in pending, processing or
// pending_resume since before olderThan ago. Stranded parents are recovered
// first and do not count as stale. Returns how many frames were failed.
func (e *Engine) FailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	if _, err := e.RecoverStranded(ctx); err != nil {
		return 0, err
	}
	stale, err := e.store.ListStaleStackRuns(ctx, []persistence.StackRunStatus{
		persistence.StackRunPending,
		persistence.StackRunProcessing,
		persistence.StackRunPendingResume,
	}, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range stale {
		reason := fmt.Sprintf("no progress for %s while %s", olderThan, f.Status)
		if err := e.FailFrame(ctx, f.ID, reason); err != nil {
			if errors.Is(err, ErrFrameTerminal) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
