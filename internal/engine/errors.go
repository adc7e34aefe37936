package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/shared"
)

// FrameError is the stored error of a failed frame. Service, Method and
// StackRunID name the frame the failure originated in; a parent failed by
// its child keeps the child's origin.
type FrameError struct {
	Message    string `json:"message"`
	Service    string `json:"service,omitempty"`
	Method     string `json:"method,omitempty"`
	StackRunID string `json:"stack_run_id"`
}

func (e *FrameError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s.%s (frame %s): %s", e.Service, e.Method, e.StackRunID, e.Message)
	}
	return fmt.Sprintf("frame %s: %s", e.StackRunID, e.Message)
}

func (e *FrameError) encode() string {
	b, err := json.Marshal(e)
	if err != nil {
		return e.Message
	}
	return string(b)
}

// ParseFrameError decodes a stored frame or TaskRun error. Text that is not
// a FrameError document becomes its Message.
func ParseFrameError(text string) *FrameError {
	var fe FrameError
	if err := json.Unmarshal([]byte(text), &fe); err == nil && fe.Message != "" {
		return &fe
	}
	return &FrameError{Message: text}
}

// frameFailure builds the error of a frame that failed on its own.
func frameFailure(f *persistence.StackRun, err error) *FrameError {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe
	}
	out := &FrameError{Message: shared.Redact(err.Error()), StackRunID: f.ID}
	if !f.IsTaskBody() {
		out.Service = f.ServiceName
		out.Method = f.MethodName
	}
	return out
}

// childFailure builds the error of a parent failed by its child.
func childFailure(child *persistence.StackRun) *FrameError {
	inner := ParseFrameError(child.Error)
	if inner.StackRunID == "" {
		inner.StackRunID = child.ID
		if !child.IsTaskBody() {
			inner.Service = child.ServiceName
			inner.Method = child.MethodName
		}
	}
	return inner
}
