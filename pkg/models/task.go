package models

import "time"

// TaskStatus is the lifecycle state of a dispatcher task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskRunning      TaskStatus = "running"
	TaskComplete     TaskStatus = "complete"
	TaskError        TaskStatus = "error"
	TaskAuthRequired TaskStatus = "auth_required"
	TaskCancelled    TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskComplete, TaskError, TaskAuthRequired, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is one CLI invocation inside one environment (or dev-container).
//
// Invariant: at most one task per (EnvironmentID, DevContainerID) pair is
// simultaneously in {pending, running}; the dispatcher enforces this at
// insertion time. A terminal Status is monotonic.
type Task struct {
	ID              string     `json:"id"`
	EnvironmentID   string     `json:"environment_id"`
	DevContainerID  *string    `json:"devcontainer_id,omitempty"`
	Prompt          string     `json:"prompt"`
	Status          TaskStatus `json:"status"`
	RawOutput       string     `json:"raw_output,omitempty"`
	Result          *string    `json:"result,omitempty"`
	SessionID       *string    `json:"session_id,omitempty"`
	CostUSD         float64    `json:"cost_usd"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ErrorCode       *string    `json:"error_code,omitempty"`
	MaxRetries      int        `json:"max_retries"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DispatchKey identifies the concurrency slot a task occupies: one live
// task per (environment, dev-container) pair. An empty DevContainerID
// means the task targets the environment's primary shell.
type DispatchKey struct {
	EnvironmentID  string
	DevContainerID string
}

// TaskEventType enumerates the projections a parsed stream event can take.
type TaskEventType string

const (
	TaskEventInit       TaskEventType = "init"
	TaskEventText       TaskEventType = "text"
	TaskEventToolUse    TaskEventType = "tool_use"
	TaskEventToolResult TaskEventType = "tool_result"
	TaskEventResult     TaskEventType = "result"
)

// TaskEvent is one append-only, sequenced entry in a task's durable event
// log. (TaskID, Seq) is unique and Seq is gapless starting at 1.
type TaskEvent struct {
	TaskID    string        `json:"task_id"`
	Seq       int           `json:"seq"`
	Type      TaskEventType `json:"type"`
	Summary   string        `json:"summary"` // truncated to 200 chars
	Payload   []byte        `json:"payload"` // raw JSON
	Timestamp time.Time     `json:"timestamp"`
}

// DispatchRequest is the sole input to the dispatcher's Dispatch entry point.
type DispatchRequest struct {
	EnvironmentID  string
	DevContainerID string // empty means the environment's primary shell
	Prompt         string
	WorkingDir     string
	MaxRetries     int
	ResumeSession  string // set by Resume(); mutually exclusive with Prompt framing
}
