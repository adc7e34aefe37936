package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/persistence"
)

var (
	// ErrBadNestedTask is returned when a tasks.execute call carries no task name.
	ErrBadNestedTask = errors.New("tasks.execute requires a task name")
	// ErrNestingTooDeep fails a tasks.execute call whose child task would sit
	// at or below the propagation depth cap. A chain that deep could not
	// carry a failure back to its root.
	ErrNestingTooDeep = errors.New("nested task depth limit reached")
)

// suspend persists a frame blocked on call. The child frame and the parent's
// new state commit together. An owned lock stays held until the child
// resolves and the parent resumes under the same token.
func (e *Engine) suspend(ctx context.Context, f *persistence.StackRun, l lease, vm VMState, call executor.Call) (string, string, error) {
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	vm.Pending = &PendingCall{Seq: len(vm.Memo), Service: call.Service, Method: call.Method, Args: args}
	vm.LockToken = l.token

	child := persistence.NewChild{ServiceName: call.Service, MethodName: call.Method, Args: args}
	if call.Service == persistence.TaskBodyService && call.Method == persistence.TaskBodyMethod {
		if err := e.checkNesting(ctx, f); err != nil {
			return e.failOwn(ctx, f, l, err)
		}
		childVM, err := e.nestedTaskState(args)
		if err != nil {
			return e.failOwn(ctx, f, l, err)
		}
		child.VMState = childVM
	}

	state, err := vm.marshal()
	if err != nil {
		return e.failOwn(ctx, f, l, err)
	}
	childID, ok, err := e.store.SuspendStackRun(ctx, f.ID, child, state)
	if err != nil {
		e.releaseLease(ctx, l)
		e.logger.WarnContext(ctx, "suspension not stored; frame left for the watchdog", "stack_run_id", f.ID, "error", err)
		return OutcomeLost, "", err
	}
	if !ok {
		e.releaseLease(ctx, l)
		e.logger.WarnContext(ctx, "suspension lost the frame")
		return OutcomeLost, "", nil
	}
	e.metrics.Suspensions.Add(ctx, 1)
	e.logger.DebugContext(ctx, "frame suspended", "child", childID, "service", call.Service, "method", call.Method, "seq", vm.Pending.Seq)
	e.notify()
	return OutcomeSuspended, "", nil
}

// checkNesting rejects a nested task whose frame would reach maxDepth. The
// child task body sits one below f and its own calls one further, so every
// frame of an accepted chain stays within reach of the failure walk.
func (e *Engine) checkNesting(ctx context.Context, f *persistence.StackRun) error {
	depth, err := e.store.StackRunDepth(ctx, f.ID, e.maxDepth)
	if err != nil {
		return err
	}
	if depth+1 >= e.maxDepth {
		return fmt.Errorf("%w: frame %s is at depth %d of %d", ErrNestingTooDeep, f.ID, depth, e.maxDepth)
	}
	return nil
}

// nestedTaskState builds the vm_state of a task-body child from
// tasks.execute args.
func (e *Engine) nestedTaskState(args json.RawMessage) (json.RawMessage, error) {
	var nested persistence.TaskBodyArgs
	if err := json.Unmarshal(args, &nested); err != nil {
		return nil, fmt.Errorf("decode tasks.execute args: %w", err)
	}
	if nested.Task == "" {
		return nil, ErrBadNestedTask
	}
	input := nested.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	code, err := e.exec.Resolve(nested.Task)
	if err != nil {
		return nil, err
	}
	if err := e.exec.Validate(nested.Task, input); err != nil {
		return nil, err
	}
	return newVMState(nested.Task, code, input).marshal()
}
