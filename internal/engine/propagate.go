package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/stackrun/internal/bus"
	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/persistence"
)

// Propagation abort reasons.
const (
	AbortCycle = "cycle"
	AbortDepth = "depth"
)

// finishesTask reports whether a frame's outcome is also its TaskRun's.
func finishesTask(f *persistence.StackRun) bool {
	return f.IsRoot() && f.IsTaskBody()
}

func (e *Engine) complete(ctx context.Context, f *persistence.StackRun, l lease, result json.RawMessage) (string, string, error) {
	ok, err := e.store.CompleteStackRun(ctx, f.ID, result, finishesTask(f))
	e.releaseLease(ctx, l)
	if err != nil {
		e.logger.WarnContext(ctx, "completion not stored; frame left for the watchdog", "stack_run_id", f.ID, "error", err)
		return OutcomeLost, "", err
	}
	if !ok {
		e.logger.WarnContext(ctx, "completion lost the frame")
		return OutcomeLost, "", nil
	}
	if finishesTask(f) {
		e.logger.Info("task run completed", "task_run_id", f.TaskRunID)
	}
	f.Status = persistence.StackRunCompleted
	f.Result = result
	next, err := e.propagate(ctx, f)
	return OutcomeCompleted, next, err
}

// failOwn fails a processing frame with an error it raised itself.
func (e *Engine) failOwn(ctx context.Context, f *persistence.StackRun, l lease, cause error) (string, string, error) {
	fe := frameFailure(f, cause)
	ok, err := e.store.FailStackRun(ctx, f.ID, fe.encode(), finishesTask(f))
	e.releaseLease(ctx, l)
	if err != nil {
		e.logger.WarnContext(ctx, "failure not stored; frame left for the watchdog", "stack_run_id", f.ID, "error", err)
		return OutcomeLost, "", err
	}
	if !ok {
		return OutcomeLost, "", nil
	}
	e.metrics.FrameFailures.Add(ctx, 1)
	e.logger.InfoContext(ctx, "frame failed", "error", fe.Message)
	f.Status = persistence.StackRunFailed
	f.Error = fe.encode()
	next, err := e.propagate(ctx, f)
	return OutcomeFailed, next, err
}

// propagate walks from a terminal frame toward the root. A completed frame
// resumes its waiting parent and the walk ends there; the parent's id is
// returned for immediate re-dispatch. A failed frame fails its parent and the
// walk continues with the parent. The walk stops on a revisited frame or
// after maxDepth hops, leaving the remaining frames as they are.
func (e *Engine) propagate(ctx context.Context, terminal *persistence.StackRun) (string, error) {
	defer e.notify()
	visited := map[string]bool{terminal.ID: true}
	current := terminal
	for hops := 0; ; hops++ {
		parent, err := e.store.FindWaitingParent(ctx, current.ID)
		if err != nil {
			return "", err
		}
		if parent == nil {
			return "", nil
		}
		if visited[parent.ID] {
			e.abortPropagation(ctx, current, AbortCycle, len(visited))
			return "", nil
		}
		if hops >= e.maxDepth {
			e.abortPropagation(ctx, current, AbortDepth, len(visited))
			return "", nil
		}
		visited[parent.ID] = true
		if parent.Status != persistence.StackRunSuspended {
			return "", nil
		}

		if current.Status == persistence.StackRunCompleted {
			return e.resume(ctx, parent, current)
		}

		failed, err := e.failParent(ctx, parent, current)
		if err != nil || !failed {
			return "", err
		}
		current, err = e.store.GetStackRun(ctx, parent.ID)
		if err != nil {
			return "", err
		}
	}
}

// resume appends the child's result to the parent's memo and moves the
// parent to pending_resume. A parent that stopped waiting on child is left
// alone.
func (e *Engine) resume(ctx context.Context, parent, child *persistence.StackRun) (string, error) {
	vm, err := DecodeVMState(parent)
	if err != nil {
		return "", err
	}
	seq := len(vm.Memo)
	if vm.Pending != nil && vm.Pending.Seq != seq {
		return "", fmt.Errorf("resume %s: pending call seq %d does not follow memo of %d", parent.ID, vm.Pending.Seq, seq)
	}
	result := child.Result
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	vm.Memo = append(vm.Memo, executor.MemoEntry{
		Seq:     seq,
		Service: child.ServiceName,
		Method:  child.MethodName,
		Result:  result,
	})
	vm.Pending = nil
	state, err := vm.marshal()
	if err != nil {
		return "", err
	}
	ok, err := e.store.ResumeStackRun(ctx, parent.ID, child.ID, state)
	if err != nil || !ok {
		return "", err
	}
	e.metrics.Resumptions.Add(ctx, 1)
	e.logger.Debug("frame resumed", "stack_run_id", parent.ID, "child", child.ID, "memo", len(vm.Memo))
	return parent.ID, nil
}

// failParent fails a suspended parent with its child's error and releases the
// chain lock the parent held across the suspension.
func (e *Engine) failParent(ctx context.Context, parent, child *persistence.StackRun) (bool, error) {
	fe := childFailure(child)
	ok, err := e.store.FailStackRun(ctx, parent.ID, fe.encode(), finishesTask(parent))
	if err != nil || !ok {
		return false, err
	}
	e.metrics.FrameFailures.Add(ctx, 1)
	if vm, err := DecodeVMState(parent); err == nil && vm.LockToken != "" {
		e.releaseLease(ctx, lease{taskRunID: parent.TaskRunID, token: vm.LockToken})
	}
	if finishesTask(parent) {
		e.logger.Info("task run failed", "task_run_id", parent.TaskRunID, "error", fe.Message)
	}
	return true, nil
}

func (e *Engine) abortPropagation(ctx context.Context, at *persistence.StackRun, reason string, visited int) {
	e.logger.Error("propagation aborted",
		"stack_run_id", at.ID, "task_run_id", at.TaskRunID, "reason", reason, "visited", visited)
	e.metrics.PropagationAborts.Add(ctx, 1)
	payload, _ := json.Marshal(map[string]any{"reason": reason, "visited": visited})
	if err := e.store.RecordEvent(ctx, at.ID, persistence.EventPropagationAborted, string(payload)); err != nil {
		e.setLastError(err)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicEngineAlert, bus.EngineAlert{StackRunID: at.ID, Reason: reason, Visited: visited})
	}
}
