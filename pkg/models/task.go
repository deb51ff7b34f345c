package models

import "time"

// TaskStatus is the execution status of a task envelope.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskStreaming TaskStatus = "streaming"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskActionType categorizes what a task did.
type TaskActionType string

const (
	ActionPrompt        TaskActionType = "prompt"
	ActionToolExecution TaskActionType = "tool-execution"
	ActionApproval      TaskActionType = "approval"
)

// TaskTimestamps captures the lifecycle of one task.
type TaskTimestamps struct {
	Created       time.Time `json:"created"`
	FirstResponse time.Time `json:"first_response,omitzero"`
	Completed     time.Time `json:"completed,omitzero"`
}

// TaskOutput is one chunk of task output: text, an error, or a tool result
// summary.
type TaskOutput struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskEnvelope wraps the result of one sendMessage or executeTool call.
type TaskEnvelope struct {
	TaskID     string         `json:"task_id"`
	SessionID  string         `json:"session_id"`
	Status     TaskStatus     `json:"status"`
	ActionType TaskActionType `json:"action_type"`
	Outputs    []TaskOutput   `json:"outputs,omitempty"`
	Usage      Usage          `json:"usage"`
	Timestamps TaskTimestamps `json:"timestamps"`

	// PendingActionID is set when the task parked a tool call for approval
	// instead of executing it.
	PendingActionID string `json:"pending_action_id,omitempty"`
}
