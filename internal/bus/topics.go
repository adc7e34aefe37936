package bus

// Frame lifecycle topics. Subscribing to "stackrun." receives every frame event.
const (
	TopicStackRunCreated      = "stackrun.created"
	TopicStackRunStateChanged = "stackrun.state_changed"
	TopicTaskRunCompleted     = "taskrun.completed"
	TopicTaskRunFailed        = "taskrun.failed"
	// TopicEngineAlert carries protocol violations detected by the propagator.
	TopicEngineAlert = "engine.alert"
)

// StackRunCreatedEvent is published after a new pending frame commits.
type StackRunCreatedEvent struct {
	StackRunID       string `json:"stack_run_id"`
	TaskRunID        string `json:"task_run_id"`
	ParentStackRunID string `json:"parent_stack_run_id,omitempty"` // empty for roots
}

// StackRunStateChangedEvent is published when a frame's status changes.
type StackRunStateChangedEvent struct {
	StackRunID string `json:"stack_run_id"`
	TaskRunID  string `json:"task_run_id"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
}

// TaskRunFinishedEvent is published when a TaskRun reaches a terminal status.
type TaskRunFinishedEvent struct {
	TaskRunID string `json:"task_run_id"`
	Status    string `json:"status"`
}

// EngineAlert reports a propagation walk aborted by the cycle or depth guard.
type EngineAlert struct {
	StackRunID string `json:"stack_run_id"`
	Reason     string `json:"reason"`
	Visited    int    `json:"visited"`
}
