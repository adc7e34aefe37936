package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/stackrun/internal/engine"
	"github.com/basket/stackrun/internal/persistence"
)

var nestedVM = json.RawMessage(`{"task":"noop","code":"native:noop","input":{},"memo":[]}`)

// buildChain creates a root frame suspended on a nested task-body child,
// that child suspended on the next, and so on, depth frames deep. The last
// frame is left processing.
func buildChain(t *testing.T, store *persistence.Store, depth int) (string, []string) {
	t.Helper()
	ctx := context.Background()
	taskRunID, rootID, err := store.CreateTaskRun(ctx, persistence.NewTaskRun{TaskName: "noop", VMState: nestedVM})
	if err != nil {
		t.Fatalf("create task run: %v", err)
	}
	ids := []string{rootID}
	current := rootID
	for i := 1; i < depth; i++ {
		if ok, err := store.ClaimStackRun(ctx, current, persistence.StackRunPending); err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		child, ok, err := store.SuspendStackRun(ctx, current, persistence.NewChild{
			ServiceName: persistence.TaskBodyService,
			MethodName:  persistence.TaskBodyMethod,
			Args:        json.RawMessage(`{"task":"noop","input":{}}`),
			VMState:     nestedVM,
		}, nestedVM)
		if err != nil || !ok {
			t.Fatalf("suspend %d: ok=%v err=%v", i, ok, err)
		}
		ids = append(ids, child)
		current = child
	}
	if ok, err := store.ClaimStackRun(ctx, current, persistence.StackRunPending); err != nil || !ok {
		t.Fatalf("claim leaf: ok=%v err=%v", ok, err)
	}
	return taskRunID, ids
}

func frameStatus(t *testing.T, store *persistence.Store, id string) persistence.StackRunStatus {
	t.Helper()
	f, err := store.GetStackRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return f.Status
}

func TestPropagation_FailureWalkStopsAtDepthCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taskRunID, ids := buildChain(t, h.store, 15)
	leaf := ids[len(ids)-1]

	if err := h.engine.FailFrame(ctx, leaf, "leaf crashed"); err != nil {
		t.Fatalf("fail leaf: %v", err)
	}

	// The leaf fails itself; ten hops fail ids[13] down to ids[4].
	for i := 4; i < len(ids); i++ {
		if st := frameStatus(t, h.store, ids[i]); st != persistence.StackRunFailed {
			t.Fatalf("frame %d status = %s, want failed", i, st)
		}
	}
	for i := 0; i < 4; i++ {
		if st := frameStatus(t, h.store, ids[i]); st != persistence.StackRunSuspended {
			t.Fatalf("frame %d status = %s, want suspended (beyond cap)", i, st)
		}
	}
	n, err := h.store.CountEvents(ctx, ids[4], persistence.EventPropagationAborted)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("abort events on frame 4 = %d, want 1", n)
	}
	tr, err := h.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		t.Fatalf("get task run: %v", err)
	}
	if tr.Status.Terminal() {
		t.Fatalf("task run reached %s although the walk never reached the root", tr.Status)
	}
}

func TestPropagation_FailureWithinCapReachesRoot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taskRunID, ids := buildChain(t, h.store, 5)

	if err := h.engine.FailFrame(ctx, ids[len(ids)-1], "leaf crashed"); err != nil {
		t.Fatalf("fail leaf: %v", err)
	}
	for i, id := range ids {
		if st := frameStatus(t, h.store, id); st != persistence.StackRunFailed {
			t.Fatalf("frame %d status = %s, want failed", i, st)
		}
	}
	tr, err := h.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		t.Fatalf("get task run: %v", err)
	}
	if tr.Status != persistence.TaskRunFailed {
		t.Fatalf("task run = %s, want failed", tr.Status)
	}
	fe := engine.ParseFrameError(tr.Error)
	if fe.Message != "leaf crashed" || fe.StackRunID != ids[len(ids)-1] {
		t.Fatalf("root error = %+v, want leaf origin", fe)
	}
}

func TestPropagation_CycleTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taskRunID, ids := buildChain(t, h.store, 3)
	a, b := ids[0], ids[1]

	// b now waits on a while a waits on b.
	if _, err := h.store.DB().ExecContext(ctx,
		`UPDATE stack_runs SET waiting_on_stack_run_id = ? WHERE id = ?;`, a, b); err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.FailFrame(ctx, a, "cut") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fail frame: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("propagation over a cycle did not terminate")
	}

	for _, id := range []string{a, b} {
		if st := frameStatus(t, h.store, id); st != persistence.StackRunFailed {
			t.Fatalf("frame %s status = %s, want failed", id, st)
		}
	}
	tr, err := h.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		t.Fatalf("get task run: %v", err)
	}
	if tr.Status != persistence.TaskRunFailed {
		t.Fatalf("task run = %s, want failed", tr.Status)
	}
}

func TestPropagation_FailFrameRejectsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "noop", `{}`)
	h.drain(t)
	root, err := h.store.RootStackRun(ctx, id)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if err := h.engine.FailFrame(ctx, root.ID, "late"); err == nil {
		t.Fatal("expected error failing a completed frame")
	}
	if tr := h.taskRun(t, id); tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("status = %s, want completed", tr.Status)
	}
}
