package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/basket/stackrun/internal/engine"
	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/persistence"
)

type deepInput struct {
	N    int  `json:"n"`
	Fail bool `json:"fail"`
}

// deepTask nests itself n times; the innermost body calls echo.
func deepTask(tc *executor.TaskContext, input json.RawMessage) (any, error) {
	var in deepInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if in.N == 0 {
		if in.Fail {
			return tc.Call("echo", "fail", map[string]string{"message": "boom"})
		}
		return tc.Call("echo", "say", map[string]string{"value": "leaf"})
	}
	var out json.RawMessage
	if err := tc.RunTask("deep", deepInput{N: in.N - 1, Fail: in.Fail}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func frameCounts(t *testing.T, h *harness, taskRunID string) map[persistence.StackRunStatus]int {
	t.Helper()
	frames, err := h.store.ListStackRuns(context.Background(), taskRunID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	counts := map[persistence.StackRunStatus]int{}
	for _, f := range frames {
		counts[f.Status]++
	}
	return counts
}

func TestEngine_DeepestAllowedNestingFinishes(t *testing.T) {
	for _, fail := range []bool{false, true} {
		t.Run(fmt.Sprintf("fail=%v", fail), func(t *testing.T) {
			h := newHarness(t)
			h.native.MustRegister("deep", deepTask)
			ctx := context.Background()

			// Nine nestings put the innermost call at depth 10, the cap.
			id := h.submit(t, "deep", fmt.Sprintf(`{"n":9,"fail":%v}`, fail))
			h.drain(t)

			tr := h.taskRun(t, id)
			counts := frameCounts(t, h, id)
			if fail {
				if tr.Status != persistence.TaskRunFailed {
					t.Fatalf("status = %s, want failed", tr.Status)
				}
				fe := engine.ParseFrameError(tr.Error)
				if fe.Service != "echo" || fe.Method != "fail" {
					t.Fatalf("origin = %s.%s, want echo.fail", fe.Service, fe.Method)
				}
				if counts[persistence.StackRunFailed] != 11 || len(counts) != 1 {
					t.Fatalf("frames = %v, want 11 failed", counts)
				}
			} else {
				if tr.Status != persistence.TaskRunCompleted || string(tr.Result) != `"leaf"` {
					t.Fatalf("status = %s result = %s", tr.Status, tr.Result)
				}
				if counts[persistence.StackRunCompleted] != 11 || len(counts) != 1 {
					t.Fatalf("frames = %v, want 11 completed", counts)
				}
			}
			if lock, _ := h.store.GetTaskLock(ctx, id); lock != nil {
				t.Fatalf("lock still held: %+v", lock)
			}
		})
	}
}

func TestEngine_NestingPastDepthCapFailsTaskRun(t *testing.T) {
	for _, fail := range []bool{false, true} {
		t.Run(fmt.Sprintf("fail=%v", fail), func(t *testing.T) {
			h := newHarness(t)
			h.native.MustRegister("deep", deepTask)
			ctx := context.Background()

			id := h.submit(t, "deep", fmt.Sprintf(`{"n":12,"fail":%v}`, fail))
			h.drain(t)

			tr := h.taskRun(t, id)
			if tr.Status != persistence.TaskRunFailed {
				t.Fatalf("status = %s, want failed", tr.Status)
			}
			if !strings.Contains(engine.ParseFrameError(tr.Error).Message, "nested task depth limit") {
				t.Fatalf("error = %s", tr.Error)
			}
			counts := frameCounts(t, h, id)
			if counts[persistence.StackRunFailed] != 10 || len(counts) != 1 {
				t.Fatalf("frames = %v, want 10 failed", counts)
			}
			if lock, _ := h.store.GetTaskLock(ctx, id); lock != nil {
				t.Fatalf("lock still held: %+v", lock)
			}
		})
	}
}

func TestEngine_NestingCapFollowsConfiguredDepth(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.MaxPropagationDepth = 3 })
	h.native.MustRegister("deep", deepTask)

	ok := h.submit(t, "deep", `{"n":2}`)
	deep := h.submit(t, "deep", `{"n":3}`)
	h.drain(t)

	if tr := h.taskRun(t, ok); tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("n=2 status = %s (error=%s)", tr.Status, tr.Error)
	}
	if tr := h.taskRun(t, deep); tr.Status != persistence.TaskRunFailed {
		t.Fatalf("n=3 status = %s, want failed", tr.Status)
	}
}

// strandChild runs a one-call task until its root suspends, then finishes
// the call frame in the store only, as a worker stopping right after that
// commit would.
func strandChild(t *testing.T, h *harness, fail bool) (string, string) {
	t.Helper()
	ctx := context.Background()
	id := h.submit(t, "sequential", `{"values":["a"]}`)
	if _, err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	root, err := h.store.RootStackRun(ctx, id)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root.Status != persistence.StackRunSuspended {
		t.Fatalf("root status = %s, want suspended", root.Status)
	}
	child := root.WaitingOn
	if ok, err := h.store.ClaimStackRun(ctx, child, persistence.StackRunPending); err != nil || !ok {
		t.Fatalf("claim child: ok=%v err=%v", ok, err)
	}
	if fail {
		if ok, err := h.store.FailStackRun(ctx, child, "upstream down", false); err != nil || !ok {
			t.Fatalf("fail child: ok=%v err=%v", ok, err)
		}
	} else if ok, err := h.store.CompleteStackRun(ctx, child, json.RawMessage(`"a"`), false); err != nil || !ok {
		t.Fatalf("complete child: ok=%v err=%v", ok, err)
	}

	if n := h.drain(t); n != 0 {
		t.Fatalf("dispatched %d frames before recovery, want 0", n)
	}
	return id, root.ID
}

func TestEngine_RecoverStrandedResumesParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, rootID := strandChild(t, h, false)

	n, err := h.engine.RecoverStranded(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	if st := frameStatus(t, h.store, rootID); st != persistence.StackRunPendingResume {
		t.Fatalf("root status = %s, want pending_resume", st)
	}
	if n, err := h.engine.RecoverStranded(ctx); err != nil || n != 0 {
		t.Fatalf("second recover: n=%d err=%v", n, err)
	}

	h.drain(t)
	tr := h.taskRun(t, id)
	if tr.Status != persistence.TaskRunCompleted || string(tr.Result) != `["a"]` {
		t.Fatalf("status = %s result = %s", tr.Status, tr.Result)
	}
	if lock, _ := h.store.GetTaskLock(ctx, id); lock != nil {
		t.Fatalf("lock still held: %+v", lock)
	}
}

func TestEngine_WatchdogFailsParentOfStrandedFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, rootID := strandChild(t, h, true)

	failed, err := h.engine.FailStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if failed != 0 {
		t.Fatalf("stale failed = %d, want 0", failed)
	}
	if st := frameStatus(t, h.store, rootID); st != persistence.StackRunFailed {
		t.Fatalf("root status = %s, want failed", st)
	}
	tr := h.taskRun(t, id)
	if tr.Status != persistence.TaskRunFailed || !strings.Contains(engine.ParseFrameError(tr.Error).Message, "upstream down") {
		t.Fatalf("status = %s error = %s", tr.Status, tr.Error)
	}
	if lock, _ := h.store.GetTaskLock(ctx, id); lock != nil {
		t.Fatalf("lock still held: %+v", lock)
	}
}
