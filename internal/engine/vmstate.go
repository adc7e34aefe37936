package engine

import (
	"encoding/json"
	"fmt"

	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/persistence"
)

// VMState is the resume payload of a task-body frame. Pending is the call
// the frame is suspended on; LockToken is the chain lock held across that
// suspension and is empty when the frame ran under the child bypass.
type VMState struct {
	Task      string               `json:"task"`
	Code      string               `json:"code"`
	Input     json.RawMessage      `json:"input"`
	Memo      []executor.MemoEntry `json:"memo"`
	Pending   *PendingCall         `json:"pending,omitempty"`
	LockToken string               `json:"lock_token,omitempty"`
}

// PendingCall records the call at position Seq that spawned the current child.
type PendingCall struct {
	Seq     int             `json:"seq"`
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Args    json.RawMessage `json:"args"`
}

func newVMState(task, code string, input json.RawMessage) VMState {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return VMState{Task: task, Code: code, Input: input, Memo: []executor.MemoEntry{}}
}

func (v VMState) marshal() (json.RawMessage, error) {
	if v.Memo == nil {
		v.Memo = []executor.MemoEntry{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal vm_state: %w", err)
	}
	return b, nil
}

// DecodeVMState parses a frame's vm_state. Task-body frames without one are
// rebuilt from their args; the code reference is then left for the executor
// to resolve.
func DecodeVMState(f *persistence.StackRun) (VMState, error) {
	if len(f.VMState) > 0 {
		var v VMState
		if err := json.Unmarshal(f.VMState, &v); err != nil {
			return VMState{}, fmt.Errorf("decode vm_state of %s: %w", f.ID, err)
		}
		if v.Memo == nil {
			v.Memo = []executor.MemoEntry{}
		}
		return v, nil
	}
	var args persistence.TaskBodyArgs
	if err := json.Unmarshal(f.Args, &args); err != nil || args.Task == "" {
		return VMState{}, fmt.Errorf("frame %s has neither vm_state nor task args", f.ID)
	}
	return newVMState(args.Task, "", args.Input), nil
}

func (v VMState) invocation() executor.Invocation {
	return executor.Invocation{TaskName: v.Task, Code: v.Code, Input: v.Input, Memo: v.Memo}
}
