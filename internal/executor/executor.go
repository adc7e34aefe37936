// Package executor runs task code until it completes or needs an external
// call. Every adapter is replay-based: it is re-invoked from the start of the
// task with the ordered results of calls already made, and must not repeat a
// call whose result is memoized.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the outcome kind of one Run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
	StatusError     Status = "error"
)

var (
	// ErrSuspended is returned from Call when the task must stop and wait for
	// an external call. Task code should return it unchanged.
	ErrSuspended = errors.New("executor: suspended on external call")
	// ErrUnknownTask is returned when no adapter carries the named task.
	ErrUnknownTask = errors.New("executor: unknown task")
	// ErrInvalidInput wraps schema validation failures at submit time.
	ErrInvalidInput = errors.New("executor: invalid task input")
)

// MemoEntry is the memoized result of the call at position Seq.
type MemoEntry struct {
	Seq     int             `json:"seq"`
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
}

// Call describes an external call the task wants to make.
type Call struct {
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Args    json.RawMessage `json:"args"`
}

// Invocation is everything an adapter needs to (re-)run a task body.
type Invocation struct {
	TaskName string
	Code     string
	Input    json.RawMessage
	Memo     []MemoEntry
}

// Outcome is the result of one Run.
type Outcome struct {
	Status Status
	Result json.RawMessage
	Call   *Call
	Err    error
}

func Completed(result json.RawMessage) Outcome {
	return Outcome{Status: StatusCompleted, Result: result}
}

func Suspended(call Call) Outcome {
	return Outcome{Status: StatusSuspended, Call: &call}
}

func Failed(err error) Outcome {
	return Outcome{Status: StatusError, Err: err}
}

// Adapter runs task code. The returned error reports a failure of the adapter
// itself; task failures are reported as StatusError outcomes. The engine
// treats both the same way.
type Adapter interface {
	Run(ctx context.Context, inv Invocation) (Outcome, error)
}

// Catalog resolves task names at submit time.
type Catalog interface {
	// Resolve returns the code reference stored in the root frame.
	Resolve(taskName string) (string, error)
	// Validate checks input against the task's schema, if it has one.
	Validate(taskName string, input json.RawMessage) error
}

// Executor is an adapter that also resolves the tasks it runs.
type Executor interface {
	Adapter
	Catalog
}

// NondeterminismError reports a replay whose call sequence diverged from the
// memoized log.
type NondeterminismError struct {
	Seq           int
	Want, Got     string
	MemoLen, Used int
}

func (e *NondeterminismError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("non-deterministic replay: task finished after %d of %d memoized calls", e.Used, e.MemoLen)
	}
	return fmt.Sprintf("non-deterministic replay at call %d: memoized %s, task called %s", e.Seq, e.Want, e.Got)
}

// Replay serves memoized results in order and records the first call past
// the end of the log. Adapters create one per Run.
type Replay struct {
	memo    []MemoEntry
	next    int
	pending *Call
	err     error
}

func NewReplay(memo []MemoEntry) *Replay {
	return &Replay{memo: memo}
}

// Call returns the memoized result of the next call, or records it as
// pending and returns ErrSuspended. A call that does not match the memo at
// its position poisons the replay with a NondeterminismError.
func (r *Replay) Call(service, method string, args json.RawMessage) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.pending != nil {
		return nil, ErrSuspended
	}
	if r.next < len(r.memo) {
		m := r.memo[r.next]
		if m.Service != service || m.Method != method {
			r.err = &NondeterminismError{
				Seq:  r.next,
				Want: m.Service + "." + m.Method,
				Got:  service + "." + method,
			}
			return nil, r.err
		}
		r.next++
		return m.Result, nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	r.pending = &Call{Service: service, Method: method, Args: args}
	return nil, ErrSuspended
}

// Pending returns the recorded call, if any.
func (r *Replay) Pending() *Call {
	return r.pending
}

// Outcome folds the task's own return values into an Outcome. A recorded
// pending call wins over whatever the task returned after it.
func (r *Replay) Outcome(result json.RawMessage, taskErr error) Outcome {
	if r.err != nil {
		return Failed(r.err)
	}
	if r.pending != nil {
		return Suspended(*r.pending)
	}
	if taskErr != nil {
		return Failed(taskErr)
	}
	if r.next < len(r.memo) {
		return Failed(&NondeterminismError{MemoLen: len(r.memo), Used: r.next})
	}
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	return Completed(result)
}
