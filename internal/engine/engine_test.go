package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/stackrun/internal/engine"
	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/services"
)

func openStoreForEngineTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "stackrun.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

type sequentialInput struct {
	Values []string `json:"values"`
}

func sequentialTask(tc *executor.TaskContext, input json.RawMessage) (any, error) {
	var in sequentialInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(in.Values))
	for _, v := range in.Values {
		var got string
		if err := tc.CallInto("echo", "say", map[string]string{"value": v}, &got); err != nil {
			return nil, err
		}
		out = append(out, got)
	}
	return out, nil
}

func boomTask(tc *executor.TaskContext, _ json.RawMessage) (any, error) {
	if _, err := tc.Call("echo", "fail", map[string]string{"message": "boom"}); err != nil {
		return nil, err
	}
	return "unreachable", nil
}

func outerTask(tc *executor.TaskContext, _ json.RawMessage) (any, error) {
	var inner []string
	if err := tc.RunTask("sequential", sequentialInput{Values: []string{"x", "y"}}, &inner); err != nil {
		return nil, err
	}
	return map[string]any{"inner": inner}, nil
}

func noopTask(*executor.TaskContext, json.RawMessage) (any, error) {
	return map[string]bool{"ok": true}, nil
}

const sequentialSchema = `{
	"type": "object",
	"required": ["values"],
	"properties": {"values": {"type": "array", "items": {"type": "string"}}}
}`

type harness struct {
	store  *persistence.Store
	engine *engine.Engine
	native *executor.Native
}

func newHarness(t *testing.T, mutate ...func(*engine.Config)) *harness {
	t.Helper()
	store := openStoreForEngineTest(t)

	native := executor.NewNative()
	native.MustRegister("sequential", sequentialTask, executor.WithSchema(sequentialSchema))
	native.MustRegister("boom", boomTask)
	native.MustRegister("outer", outerTask)
	native.MustRegister("noop", noopTask)

	reg := services.NewRegistry()
	if err := reg.Register(services.Echo{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}

	cfg := engine.Config{
		Store:    store,
		Executor: native,
		Services: reg,
		WorkerID: "test-worker",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{store: store, engine: eng, native: native}
}

func (h *harness) submit(t *testing.T, task, input string) string {
	t.Helper()
	id, err := h.engine.Submit(context.Background(), task, json.RawMessage(input))
	if err != nil {
		t.Fatalf("submit %s: %v", task, err)
	}
	return id
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.engine.RunUntilIdle(context.Background(), 200)
	if err != nil {
		t.Fatalf("run until idle: %v", err)
	}
	return n
}

func (h *harness) taskRun(t *testing.T, id string) *persistence.TaskRun {
	t.Helper()
	tr, err := h.store.GetTaskRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get task run: %v", err)
	}
	return tr
}

func TestEngine_SequentialTaskCompletesInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "sequential", `{"values":["first","second","third"]}`)

	if tr := h.taskRun(t, id); tr.Status != persistence.TaskRunQueued {
		t.Fatalf("status after submit = %s, want queued", tr.Status)
	}
	h.drain(t)

	tr := h.taskRun(t, id)
	if tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("status = %s, want completed (error=%s)", tr.Status, tr.Error)
	}
	if string(tr.Result) != `["first","second","third"]` {
		t.Fatalf("result = %s", tr.Result)
	}
	if tr.StartedAt == nil || tr.EndedAt == nil {
		t.Fatalf("expected started_at and ended_at to be set: %+v", tr)
	}

	frames, err := h.store.ListStackRuns(ctx, id)
	if err != nil {
		t.Fatalf("list frames: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want root + 3 calls", len(frames))
	}
	var calls []string
	for _, f := range frames {
		if f.Status != persistence.StackRunCompleted {
			t.Fatalf("frame %s status = %s, want completed", f.ID, f.Status)
		}
		if f.IsRoot() {
			continue
		}
		if f.ServiceName != "echo" || f.MethodName != "say" {
			t.Fatalf("unexpected call frame %s.%s", f.ServiceName, f.MethodName)
		}
		calls = append(calls, string(f.Result))
	}
	if strings.Join(calls, ",") != `"first","second","third"` {
		t.Fatalf("call results in creation order = %v", calls)
	}

	root, err := h.store.RootStackRun(ctx, id)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	vm, err := engine.DecodeVMState(root)
	if err != nil {
		t.Fatalf("decode vm_state: %v", err)
	}
	if len(vm.Memo) != 3 || vm.Pending != nil {
		t.Fatalf("memo = %d pending = %+v, want 3 entries and no pending call", len(vm.Memo), vm.Pending)
	}
	for i, m := range vm.Memo {
		if m.Seq != i {
			t.Fatalf("memo[%d].Seq = %d", i, m.Seq)
		}
	}
	if lock, err := h.store.GetTaskLock(ctx, id); err != nil || lock != nil {
		t.Fatalf("lock after completion = %+v, err=%v", lock, err)
	}
}

func TestEngine_LockHeldAcrossSuspension(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "sequential", `{"values":["a"]}`)

	d, err := h.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !d.Processed || d.Outcome != engine.OutcomeSuspended {
		t.Fatalf("first tick = %+v, want suspended root", d)
	}
	lock, err := h.store.GetTaskLock(ctx, id)
	if err != nil || lock == nil {
		t.Fatalf("expected chain lock while root is suspended, got %+v err=%v", lock, err)
	}
	root, err := h.store.RootStackRun(ctx, id)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root.Status != persistence.StackRunSuspended || root.WaitingOn == "" {
		t.Fatalf("root = %s waiting_on=%q", root.Status, root.WaitingOn)
	}
	vm, err := engine.DecodeVMState(root)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vm.LockToken != lock.LockedBy {
		t.Fatalf("vm lock token %q != lock owner %q", vm.LockToken, lock.LockedBy)
	}
	if vm.Pending == nil || vm.Pending.Seq != 0 || vm.Pending.Service != "echo" {
		t.Fatalf("pending = %+v", vm.Pending)
	}

	h.drain(t)
	if lock, _ := h.store.GetTaskLock(ctx, id); lock != nil {
		t.Fatalf("lock not released after completion: %+v", lock)
	}
}

func TestEngine_ChildFailurePropagatesToTaskRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "boom", `{}`)
	h.drain(t)

	tr := h.taskRun(t, id)
	if tr.Status != persistence.TaskRunFailed {
		t.Fatalf("status = %s, want failed", tr.Status)
	}
	fe := engine.ParseFrameError(tr.Error)
	if !strings.Contains(fe.Message, "boom") {
		t.Fatalf("error message = %q, want boom", fe.Message)
	}
	if fe.Service != "echo" || fe.Method != "fail" {
		t.Fatalf("error origin = %s.%s, want echo.fail", fe.Service, fe.Method)
	}

	frames, err := h.store.ListStackRuns(ctx, id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, f := range frames {
		if f.Status != persistence.StackRunFailed {
			t.Fatalf("frame %s status = %s, want failed", f.ID, f.Status)
		}
	}
	if fe.StackRunID == frames[0].ID {
		t.Fatalf("origin should be the child frame, got root %s", fe.StackRunID)
	}
	if lock, _ := h.store.GetTaskLock(ctx, id); lock != nil {
		t.Fatalf("lock not released after failure: %+v", lock)
	}
}

func TestEngine_NestedTaskRunsAsChildFrame(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "outer", `{}`)
	h.drain(t)

	tr := h.taskRun(t, id)
	if tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("status = %s (error=%s)", tr.Status, tr.Error)
	}
	if string(tr.Result) != `{"inner":["x","y"]}` {
		t.Fatalf("result = %s", tr.Result)
	}

	frames, err := h.store.ListStackRuns(ctx, id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var bodies int
	for _, f := range frames {
		if f.IsTaskBody() {
			bodies++
		}
	}
	if bodies != 2 || len(frames) != 4 {
		t.Fatalf("frames = %d with %d task bodies, want 4 with 2", len(frames), bodies)
	}
}

func TestEngine_SubmitRejectsUnknownTaskAndBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, "missing", nil); !errors.Is(err, executor.ErrUnknownTask) {
		t.Fatalf("unknown task err = %v, want ErrUnknownTask", err)
	}
	if _, err := h.engine.Submit(ctx, "sequential", json.RawMessage(`{"values":"nope"}`)); !errors.Is(err, executor.ErrInvalidInput) {
		t.Fatalf("bad input err = %v, want ErrInvalidInput", err)
	}
	if _, err := h.engine.Submit(ctx, "sequential", json.RawMessage(`{`)); !errors.Is(err, executor.ErrInvalidInput) {
		t.Fatalf("malformed input err = %v, want ErrInvalidInput", err)
	}
	runs, err := h.store.ListTaskRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("rejected submissions created %d task runs", len(runs))
	}
}

func TestEngine_SkipsChainLockedElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "noop", `{}`)

	ok, err := h.store.AcquireTaskLock(ctx, id, "other-worker", 0)
	if err != nil || !ok {
		t.Fatalf("acquire foreign lock: ok=%v err=%v", ok, err)
	}
	d, err := h.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if d.Processed {
		t.Fatalf("locked chain was dispatched: %+v", d)
	}
	if tr := h.taskRun(t, id); tr.Status != persistence.TaskRunQueued {
		t.Fatalf("status = %s, want queued", tr.Status)
	}

	if _, err := h.store.ReleaseTaskLock(ctx, id, "other-worker"); err != nil {
		t.Fatalf("release: %v", err)
	}
	h.drain(t)
	if tr := h.taskRun(t, id); tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("status = %s, want completed", tr.Status)
	}
}

func TestEngine_StaleLockReclaimed(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.LockStaleAfter = time.Millisecond })
	ctx := context.Background()
	id := h.submit(t, "noop", `{}`)

	if ok, err := h.store.AcquireTaskLock(ctx, id, "crashed-worker", 0); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(10 * time.Millisecond)
	h.drain(t)
	if tr := h.taskRun(t, id); tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("status = %s, want completed after reclaim", tr.Status)
	}
}

func TestEngine_DispatchesOldestChainFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.submit(t, "noop", `{}`)
	second := h.submit(t, "noop", `{}`)

	d, err := h.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if d.TaskRunID != first {
		t.Fatalf("first dispatch went to %s, want %s", d.TaskRunID, first)
	}
	d, err = h.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if d.TaskRunID != second {
		t.Fatalf("second dispatch went to %s, want %s", d.TaskRunID, second)
	}
}

func TestEngine_ProcessOneSkipsNonDispatchable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "noop", `{}`)
	root, err := h.store.RootStackRun(ctx, id)
	if err != nil {
		t.Fatalf("root: %v", err)
	}

	d, err := h.engine.ProcessOne(ctx, root.ID)
	if err != nil || !d.Processed || d.Outcome != engine.OutcomeCompleted {
		t.Fatalf("process root = %+v err=%v", d, err)
	}
	d, err = h.engine.ProcessOne(ctx, root.ID)
	if err != nil || d.Processed {
		t.Fatalf("reprocessing a completed frame = %+v err=%v", d, err)
	}
	d, err = h.engine.ProcessOne(ctx, "no-such-frame")
	if err != nil || d.Processed {
		t.Fatalf("processing a missing frame = %+v err=%v", d, err)
	}
}

// gatedTask blocks inside the task body until released, so concurrent
// dispatchers overlap with the running frame.
type gatedTask struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	release chan struct{}
}

func (g *gatedTask) run(*executor.TaskContext, json.RawMessage) (any, error) {
	cur := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		prev := g.maxSeen.Load()
		if cur <= prev || g.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	<-g.release
	return "done", nil
}

func TestEngine_ConcurrentTicksRunChainOnce(t *testing.T) {
	h := newHarness(t)
	gate := &gatedTask{release: make(chan struct{})}
	h.native.MustRegister("gated", gate.run)
	id := h.submit(t, "gated", `{}`)

	var wg sync.WaitGroup
	var processed atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.engine.Tick(context.Background())
			if err != nil {
				t.Errorf("tick: %v", err)
				return
			}
			if d.Processed {
				processed.Add(1)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	if got := processed.Load(); got != 1 {
		t.Fatalf("processed = %d, want exactly one dispatch", got)
	}
	if got := gate.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent task bodies = %d, want 1", got)
	}
	if tr := h.taskRun(t, id); tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("status = %s", tr.Status)
	}
}

func TestEngine_NondeterministicReplayFailsFrame(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int32
	h.native.MustRegister("flaky", func(tc *executor.TaskContext, _ json.RawMessage) (any, error) {
		method := "say"
		if runs.Add(1) > 1 {
			method = "fail"
		}
		if _, err := tc.Call("echo", method, map[string]string{"value": "v"}); err != nil {
			return nil, err
		}
		return "done", nil
	})
	id := h.submit(t, "flaky", `{}`)
	h.drain(t)

	tr := h.taskRun(t, id)
	if tr.Status != persistence.TaskRunFailed {
		t.Fatalf("status = %s, want failed", tr.Status)
	}
	if !strings.Contains(tr.Error, "non-deterministic") {
		t.Fatalf("error = %s, want non-deterministic replay", tr.Error)
	}
}

func TestEngine_FailStaleFailsStuckFrames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, "noop", `{}`)

	n, err := h.engine.FailStale(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("failed %d frames, want 1", n)
	}
	tr := h.taskRun(t, id)
	if tr.Status != persistence.TaskRunFailed {
		t.Fatalf("status = %s, want failed", tr.Status)
	}
	if !strings.Contains(engine.ParseFrameError(tr.Error).Message, "no progress") {
		t.Fatalf("error = %s", tr.Error)
	}
}
