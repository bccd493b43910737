package events

import "fmt"

// Topic naming conventions, spec.md §4.3.
func TaskEventTopic(taskID string) string    { return fmt.Sprintf("task:%s:event", taskID) }
func TaskOutputTopic(taskID string) string   { return fmt.Sprintf("task:%s:output", taskID) }
func TaskCompleteTopic(taskID string) string { return fmt.Sprintf("task:%s:complete", taskID) }

func PipelineTopic(pipelineID string) string { return fmt.Sprintf("pipeline:%s", pipelineID) }

func OrchestratorEventTopic(id string) string       { return fmt.Sprintf("orchestrator:%s:event", id) }
func OrchestratorSpawnTopic(id string) string        { return fmt.Sprintf("orchestrator:%s:agent-spawn", id) }
func OrchestratorAgentCompleteTopic(id string) string {
	return fmt.Sprintf("orchestrator:%s:agent-complete", id)
}
func OrchestratorCompleteTopic(id string) string { return fmt.Sprintf("orchestrator:%s:complete", id) }

func AgentTopic(id, suffix string) string { return fmt.Sprintf("agent:%s:%s", id, suffix) }

func AskUserTopic(envID string) string { return fmt.Sprintf("ask-user:%s", envID) }

func ProvisioningTopic(environmentID string) string { return fmt.Sprintf("provisioning:%s", environmentID) }

// AllTasksTopic carries every task lifecycle event across every task, for
// the dashboard-wide /api/claude/stream (spec.md §6).
func AllTasksTopic() string { return "claude:tasks" }

// EnvironmentsTopic carries environment status transitions, for the
// dashboard-wide /api/environments/stream (spec.md §6).
func EnvironmentsTopic() string { return "environments" }

// TaskCompletePayload is emitted on TaskCompleteTopic when a dispatcher
// task reaches a terminal status.
type TaskCompletePayload struct {
	TaskID    string  `json:"taskId"`
	Status    string  `json:"status"`
	Result    *string `json:"result,omitempty"`
	CostUSD   *float64 `json:"cost_usd,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
	ErrorCode *string `json:"error_code,omitempty"`
}

// TaskOutputPayload is emitted on TaskOutputTopic for every raw stdout
// chunk, for live tailing by SSE subscribers.
type TaskOutputPayload struct {
	TaskID string `json:"taskId"`
	Chunk  string `json:"chunk"`
	Auth   bool   `json:"auth_required,omitempty"`
}

// PipelineEventPayload is emitted on PipelineTopic for every pipeline
// state transition named in spec.md §6's SSE surface.
type PipelineEventPayload struct {
	PipelineID string         `json:"pipelineId"`
	Event      string         `json:"event"` // started, step_started, step_completed, ...
	StepID     string         `json:"stepId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// ProvisioningEventPayload is emitted on ProvisioningTopic for every
// provisioner stage transition (spec.md §4.6).
type ProvisioningEventPayload struct {
	EnvironmentID string `json:"environmentId"`
	Phase         string `json:"phase"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// OrchestratorEventPayload covers the orchestrator's generic event stream.
type OrchestratorEventPayload struct {
	OrchestratorID string         `json:"orchestratorId"`
	Event          string         `json:"event"`
	Data           map[string]any `json:"data,omitempty"`
}
