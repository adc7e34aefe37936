package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/otel"
	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// Dispatch outcomes.
const (
	OutcomeIdle      = "idle"
	OutcomeSkipped   = "skipped"
	OutcomeCompleted = "completed"
	OutcomeSuspended = "suspended"
	OutcomeFailed    = "failed"
	// OutcomeLost means the frame changed status under this dispatch, for
	// example because the watchdog failed it.
	OutcomeLost = "lost"
)

// Dispatch reports what one scheduling attempt did.
type Dispatch struct {
	Processed  bool   `json:"processed"`
	StackRunID string `json:"stack_run_id,omitempty"`
	TaskRunID  string `json:"task_run_id,omitempty"`
	Outcome    string `json:"outcome"`
}

// lease is the chain lock a dispatch runs under. A zero token means the frame
// runs under the child bypass.
type lease struct {
	taskRunID string
	token     string
	// fresh is set when this dispatch inserted the lock row itself.
	fresh bool
}

func (l lease) owned() bool { return l.token != "" }

// Tick runs one scheduling step: the oldest eligible chain head is claimed
// and executed. Safe to call from any number of workers.
func (e *Engine) Tick(ctx context.Context) (Dispatch, error) {
	ctx = shared.WithWorkerID(shared.EnsureTraceID(ctx), e.workerID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.tick", otel.AttrWorkerID.String(e.workerID))
	defer span.End()
	d, err := e.DispatchNext(ctx)
	if err != nil {
		otel.Fail(span, err)
		e.setLastError(err)
	}
	span.SetAttributes(otel.AttrOutcome.String(d.Outcome))
	return d, err
}

// RunUntilIdle ticks until nothing is dispatchable or max dispatches have run.
// max <= 0 means no bound.
func (e *Engine) RunUntilIdle(ctx context.Context, max int) (int, error) {
	n := 0
	for max <= 0 || n < max {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		d, err := e.Tick(ctx)
		if err != nil {
			return n, err
		}
		if !d.Processed {
			return n, nil
		}
		n++
	}
	return n, nil
}

// DispatchNext processes the first chain head that can be claimed. Heads whose
// lock is held elsewhere are skipped.
func (e *Engine) DispatchNext(ctx context.Context) (Dispatch, error) {
	heads, err := e.store.NextDispatchable(ctx, e.scanLimit)
	if err != nil {
		return Dispatch{Outcome: OutcomeIdle}, err
	}
	for _, h := range heads {
		d, err := e.ProcessOne(ctx, h.ID)
		if err != nil {
			return d, err
		}
		if d.Processed {
			return d, nil
		}
	}
	return Dispatch{Outcome: OutcomeIdle}, nil
}

// ProcessOne dispatches a specific frame if it is an eligible chain head.
// A parent resumed by the frame's completion is re-dispatched immediately,
// up to the propagation depth; anything left over goes back to liveness.
func (e *Engine) ProcessOne(ctx context.Context, stackRunID string) (Dispatch, error) {
	d, next, err := e.processFrame(ctx, stackRunID)
	if err != nil || !d.Processed {
		return d, err
	}
	for hops := 0; next != ""; hops++ {
		if hops >= e.maxDepth {
			e.notify()
			break
		}
		var fd Dispatch
		fd, next, err = e.processFrame(ctx, next)
		if err != nil {
			e.logger.WarnContext(ctx, "follow-up dispatch failed", "stack_run_id", fd.StackRunID, "error", err)
			e.setLastError(err)
			e.notify()
			break
		}
		if !fd.Processed {
			e.notify()
			break
		}
	}
	return d, nil
}

func (e *Engine) processFrame(ctx context.Context, id string) (Dispatch, string, error) {
	skipped := Dispatch{StackRunID: id, Outcome: OutcomeSkipped}
	f, err := e.store.GetStackRun(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return skipped, "", nil
		}
		return skipped, "", fmt.Errorf("process %s: %w", id, err)
	}
	skipped.TaskRunID = f.TaskRunID
	if f.Status != persistence.StackRunPending && f.Status != persistence.StackRunPendingResume {
		return skipped, "", nil
	}
	head, err := e.store.IsChainHead(ctx, id)
	if err != nil {
		return skipped, "", err
	}
	if !head {
		return skipped, "", nil
	}

	l, ok, err := e.acquireLease(ctx, f)
	if err != nil {
		return skipped, "", err
	}
	if !ok {
		e.metrics.LockConflicts.Add(ctx, 1)
		e.logger.Debug("chain locked elsewhere", "task_run_id", f.TaskRunID, "stack_run_id", f.ID)
		return skipped, "", nil
	}
	claimed, err := e.store.ClaimStackRun(ctx, id, f.Status)
	if err != nil || !claimed {
		if l.fresh {
			e.releaseLease(ctx, l)
		}
		return skipped, "", err
	}
	f.Status = persistence.StackRunProcessing

	ctx = shared.WithStackRunID(shared.WithTaskRunID(ctx, f.TaskRunID), f.ID)
	kind := "call"
	if f.IsTaskBody() {
		kind = "task"
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.frame",
		otel.FrameAttrs(f.TaskRunID, f.ID, kind, f.ServiceName, f.MethodName)...)
	defer span.End()

	e.activeFrames.Add(1)
	defer e.activeFrames.Add(-1)
	e.dispatched.Add(1)
	e.metrics.FramesDispatched.Add(ctx, 1)
	start := time.Now()

	var outcome, next string
	if f.IsTaskBody() {
		outcome, next, err = e.runTaskBody(ctx, f, l)
	} else {
		outcome, next, err = e.runCall(ctx, f, l)
	}
	e.metrics.FrameDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrFrameKind.String(kind), otel.AttrOutcome.String(outcome)))
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	otel.Fail(span, err)
	e.logger.DebugContext(ctx, "frame dispatched", "kind", kind, "outcome", outcome, "duration", time.Since(start))
	return Dispatch{Processed: true, StackRunID: f.ID, TaskRunID: f.TaskRunID, Outcome: outcome}, next, err
}

// acquireLease decides which lock, if any, the frame runs under.
func (e *Engine) acquireLease(ctx context.Context, f *persistence.StackRun) (lease, bool, error) {
	if !f.IsRoot() {
		parent, err := e.store.GetStackRun(ctx, f.ParentStackRunID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return lease{}, false, err
		}
		if parent != nil {
			blocked := parent.Status == persistence.StackRunSuspended && parent.WaitingOn == f.ID
			if blocked || parent.Status == persistence.StackRunCompleted {
				return lease{taskRunID: f.TaskRunID}, true, nil
			}
		}
	}

	if f.Status == persistence.StackRunPendingResume {
		if vm, err := DecodeVMState(f); err == nil && vm.LockToken != "" {
			return e.inheritLease(ctx, f.TaskRunID, vm.LockToken)
		}
	}

	token := uuid.NewString()
	ok, err := e.store.AcquireTaskLock(ctx, f.TaskRunID, token, e.lockStaleAfter)
	if err != nil || !ok {
		return lease{}, false, err
	}
	return lease{taskRunID: f.TaskRunID, token: token, fresh: true}, true, nil
}

// inheritLease picks up the lock a resumed frame held across its suspension.
// If the row is gone it is re-inserted under the same token.
func (e *Engine) inheritLease(ctx context.Context, taskRunID, token string) (lease, bool, error) {
	held, err := e.store.GetTaskLock(ctx, taskRunID)
	if err != nil {
		return lease{}, false, err
	}
	l := lease{taskRunID: taskRunID, token: token}
	if held != nil && held.LockedBy == token {
		return l, true, nil
	}
	ok, err := e.store.AcquireTaskLock(ctx, taskRunID, token, e.lockStaleAfter)
	if err != nil || !ok {
		return lease{}, false, err
	}
	return l, true, nil
}

func (e *Engine) releaseLease(ctx context.Context, l lease) {
	if !l.owned() {
		return
	}
	if _, err := e.store.ReleaseTaskLock(context.WithoutCancel(ctx), l.taskRunID, l.token); err != nil {
		e.logger.Warn("release task lock failed", "task_run_id", l.taskRunID, "error", err)
		e.setLastError(err)
	}
}

func (e *Engine) runTaskBody(ctx context.Context, f *persistence.StackRun, l lease) (string, string, error) {
	vm, err := DecodeVMState(f)
	if err != nil {
		return e.failOwn(ctx, f, l, err)
	}
	if vm.Code == "" {
		code, err := e.exec.Resolve(vm.Task)
		if err != nil {
			return e.failOwn(ctx, f, l, err)
		}
		vm.Code = code
	}
	out, err := e.exec.Run(ctx, vm.invocation())
	if err != nil {
		out = executor.Failed(err)
	}
	switch out.Status {
	case executor.StatusCompleted:
		return e.complete(ctx, f, l, out.Result)
	case executor.StatusSuspended:
		if out.Call == nil {
			return e.failOwn(ctx, f, l, errors.New("executor suspended without a call"))
		}
		return e.suspend(ctx, f, l, vm, *out.Call)
	default:
		err := out.Err
		if err == nil {
			err = errors.New("task failed")
		}
		return e.failOwn(ctx, f, l, err)
	}
}

func (e *Engine) runCall(ctx context.Context, f *persistence.StackRun, l lease) (string, string, error) {
	callCtx, span := otel.StartSpan(ctx, e.tracer, "engine.service_call",
		otel.AttrService.String(f.ServiceName), otel.AttrMethod.String(f.MethodName))
	result, err := e.services.Call(callCtx, f.ServiceName, f.MethodName, f.Args)
	otel.Fail(span, err)
	span.End()
	if err != nil {
		return e.failOwn(ctx, f, l, err)
	}
	return e.complete(ctx, f, l, result)
}
