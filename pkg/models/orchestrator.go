package models

import "time"

// Model enumerates the CLI agent model tiers an orchestrator or
// lightweight agent may run under.
type Model string

const (
	ModelHaiku  Model = "haiku"
	ModelSonnet Model = "sonnet"
	ModelOpus   Model = "opus"
)

// OrchestratorStatus is the lifecycle state of an orchestrator session.
type OrchestratorStatus string

const (
	OrchestratorPending   OrchestratorStatus = "pending"
	OrchestratorRunning   OrchestratorStatus = "running"
	OrchestratorPaused    OrchestratorStatus = "paused"
	OrchestratorCompleted OrchestratorStatus = "completed"
	OrchestratorError     OrchestratorStatus = "error"
	OrchestratorCancelled OrchestratorStatus = "cancelled"
)

// OrchestratorSession is a supervising task run whose tool calls fan out
// into waves of lightweight agents.
type OrchestratorSession struct {
	ID            string             `json:"id"`
	EnvironmentID string             `json:"environment_id"`
	Goal          string             `json:"goal"`
	SystemPrompt  string             `json:"system_prompt"`
	Model         Model              `json:"model"`
	Status        OrchestratorStatus `json:"status"`
	TaskID        *string            `json:"task_id,omitempty"`
	WaveCount     int                `json:"wave_count"`
	AgentCount    int                `json:"agent_count"`
	TotalCost     float64            `json:"total_cost"`
	ResultSummary *string            `json:"result_summary,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// AgentStatus is the lifecycle state of a lightweight agent.
type AgentStatus string

const (
	AgentPending  AgentStatus = "pending"
	AgentSpawning AgentStatus = "spawning"
	AgentRunning  AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentError    AgentStatus = "error"
	AgentCancelled AgentStatus = "cancelled"
)

// MaxWaveBatch caps the number of lightweight agents dispatched
// concurrently per orchestrator wave (spec.md §4.8).
const MaxWaveBatch = 8

// LightweightAgent is a child task spawned by (or on behalf of) an
// orchestrator. Agents in a wave share WaveID and have dense
// WavePosition 0..N-1 in dispatch order.
type LightweightAgent struct {
	ID              string      `json:"id"`
	EnvironmentID   string      `json:"environment_id"`
	OrchestratorID  *string     `json:"orchestrator_id,omitempty"`
	Name            string      `json:"name"`
	Role            string      `json:"role"`
	PersonaID       *string     `json:"persona_id,omitempty"`
	DevContainerID  *string     `json:"devcontainer_id,omitempty"`
	TaskPrompt      string      `json:"task_prompt"`
	TaskID          *string     `json:"task_id,omitempty"`
	Model           Model       `json:"model"`
	Status          AgentStatus `json:"status"`
	WaveID          *string     `json:"wave_id,omitempty"`
	WavePosition    *int        `json:"wave_position,omitempty"`
	ResultSummary   *string     `json:"result_summary,omitempty"`
	CostUSD         float64     `json:"cost_usd"`
	Context         map[string]any `json:"context,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// AskUserStatus is the lifecycle state of an ask-user request.
type AskUserStatus string

const (
	AskUserPending  AskUserStatus = "pending"
	AskUserAnswered AskUserStatus = "answered"
	AskUserCancelled AskUserStatus = "cancelled"
	AskUserExpired  AskUserStatus = "expired"
)

// AskUserRequest is a question an orchestrator raised to a human operator.
type AskUserRequest struct {
	ID             string        `json:"id"`
	EnvironmentID  string        `json:"environment_id"`
	OrchestratorID string        `json:"orchestrator_id"`
	AgentID        *string       `json:"agent_id,omitempty"`
	Question       string        `json:"question"`
	Options        []string      `json:"options,omitempty"`
	Response       *string       `json:"response,omitempty"`
	Status         AskUserStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// StartOrchestratorRequest is the input to starting an orchestrator session.
type StartOrchestratorRequest struct {
	EnvironmentID string   `json:"environment_id"`
	Goal          string   `json:"goal"`
	Model         Model    `json:"model,omitempty"`
	PersonaIDs    []string `json:"persona_ids,omitempty"`
}

// SpawnAgentRequest is the payload of a spyre_spawn_agent tool call.
type SpawnAgentRequest struct {
	Name      string         `json:"name"`
	Role      string         `json:"role"`
	PersonaID *string        `json:"persona_id,omitempty"`
	Task      string         `json:"task"`
	Model     Model          `json:"model"`
	Context   map[string]any `json:"context,omitempty"`
}

// SpawnAgentsBatchRequest is the payload of a batch wave submission.
type SpawnAgentsBatchRequest struct {
	WaveName string              `json:"wave_name,omitempty"`
	Agents   []SpawnAgentRequest `json:"agents"`
}

// AskUserToolRequest is the payload of a spyre_ask_user tool call.
type AskUserToolRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}
