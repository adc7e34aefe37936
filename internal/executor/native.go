package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

// NativePrefix marks code references served by the Native adapter.
const NativePrefix = "native:"

// TaskFunc is the body of a native task. It is re-run from the top on every
// resumption, so everything it does outside TaskContext.Call must be
// deterministic given its input and the results Call returns.
type TaskFunc func(tc *TaskContext, input json.RawMessage) (any, error)

// TaskContext is the capability a task body uses to reach services.
type TaskContext struct {
	ctx    context.Context
	replay *Replay
	name   string
}

// Context returns the context of the current run.
func (tc *TaskContext) Context() context.Context { return tc.ctx }

// TaskName returns the name of the running task.
func (tc *TaskContext) TaskName() string { return tc.name }

// Replaying reports whether the next Call is served from the memo.
func (tc *TaskContext) Replaying() bool { return tc.replay.next < len(tc.replay.memo) }

// Call invokes service.method with args marshalled to JSON. When the result
// is not memoized yet it returns ErrSuspended, which the task must return.
func (tc *TaskContext) Call(service, method string, args any) (json.RawMessage, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for %s.%s: %w", service, method, err)
	}
	return tc.replay.Call(service, method, raw)
}

// CallInto is Call followed by unmarshalling the result into out.
func (tc *TaskContext) CallInto(service, method string, args, out any) error {
	res, err := tc.Call(service, method, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", service, method, err)
	}
	return nil
}

// RunTask calls another task as a nested task-body frame.
func (tc *TaskContext) RunTask(name string, input any, out any) error {
	in, err := marshalArgs(input)
	if err != nil {
		return fmt.Errorf("marshal input for task %s: %w", name, err)
	}
	return tc.CallInto("tasks", "execute", nestedTaskArgs{Task: name, Input: in}, out)
}

type nestedTaskArgs struct {
	Task  string          `json:"task"`
	Input json.RawMessage `json:"input"`
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

type nativeTask struct {
	fn          TaskFunc
	schema      *Schema
	description string
}

// TaskOption configures a registered native task.
type TaskOption func(*nativeTask) error

// WithSchema validates submissions against a JSON Schema document.
func WithSchema(schemaJSON string) TaskOption {
	return func(t *nativeTask) error {
		s, err := CompileSchema("native", schemaJSON)
		if err != nil {
			return err
		}
		t.schema = s
		return nil
	}
}

// WithDescription attaches a human-readable description.
func WithDescription(desc string) TaskOption {
	return func(t *nativeTask) error {
		t.description = desc
		return nil
	}
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	HasSchema   bool   `json:"has_schema"`
}

// Native runs tasks written as Go functions.
type Native struct {
	mu    sync.RWMutex
	tasks map[string]nativeTask
}

func NewNative() *Native {
	return &Native{tasks: make(map[string]nativeTask)}
}

// Register adds a task. Registering a name twice is an error.
func (n *Native) Register(name string, fn TaskFunc, opts ...TaskOption) error {
	if name == "" || fn == nil {
		return errors.New("native: register requires a name and a function")
	}
	t := nativeTask{fn: fn}
	for _, opt := range opts {
		if err := opt(&t); err != nil {
			return fmt.Errorf("native: task %s: %w", name, err)
		}
	}
	if t.schema != nil {
		t.schema.task = name
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.tasks[name]; exists {
		return fmt.Errorf("native: task %s already registered", name)
	}
	n.tasks[name] = t
	return nil
}

// MustRegister is Register that panics on error, for static task tables.
func (n *Native) MustRegister(name string, fn TaskFunc, opts ...TaskOption) {
	if err := n.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

func (n *Native) lookup(name string) (nativeTask, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.tasks[name]
	return t, ok
}

// Has reports whether name is registered.
func (n *Native) Has(name string) bool {
	_, ok := n.lookup(name)
	return ok
}

// Tasks lists registered tasks sorted by name.
func (n *Native) Tasks() []TaskInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]TaskInfo, 0, len(n.tasks))
	for name, t := range n.tasks {
		out = append(out, TaskInfo{Name: name, Code: NativePrefix + name, Description: t.description, HasSchema: t.schema != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (n *Native) Resolve(taskName string) (string, error) {
	if !n.Has(taskName) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
	}
	return NativePrefix + taskName, nil
}

func (n *Native) Validate(taskName string, input json.RawMessage) error {
	t, ok := n.lookup(taskName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
	}
	return t.schema.Validate(input)
}

// Run replays the task function against inv.Memo. A panic in the task body
// becomes a failed outcome.
func (n *Native) Run(ctx context.Context, inv Invocation) (out Outcome, err error) {
	name := strings.TrimPrefix(inv.Code, NativePrefix)
	if name == "" {
		name = inv.TaskName
	}
	t, ok := n.lookup(name)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	replay := NewReplay(inv.Memo)
	tc := &TaskContext{ctx: ctx, replay: replay, name: name}

	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("task %s panicked: %v\n%s", name, r, debug.Stack()))
			err = nil
		}
	}()

	input := inv.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	value, taskErr := t.fn(tc, input)
	if taskErr != nil || replay.Pending() != nil {
		return replay.Outcome(nil, taskErr), nil
	}
	var result json.RawMessage
	switch v := value.(type) {
	case json.RawMessage:
		result = v
	case nil:
		result = nil
	default:
		b, merr := json.Marshal(v)
		if merr != nil {
			return Failed(fmt.Errorf("marshal result of task %s: %w", name, merr)), nil
		}
		result = b
	}
	return replay.Outcome(result, nil), nil
}
