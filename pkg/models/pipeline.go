package models

import "time"

// PipelineStatus is the lifecycle state of a pipeline.
type PipelineStatus string

const (
	PipelineDraft     PipelineStatus = "draft"
	PipelineRunning   PipelineStatus = "running"
	PipelinePaused    PipelineStatus = "paused"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// OutputArtifacts caches the services detected and files produced by a
// completed pipeline (spec.md §4.7 "Output artifact extraction").
type OutputArtifacts struct {
	Services []string `json:"services"`
	Files    []string `json:"files"`
}

// Pipeline is a named, linear workflow tied to one environment.
//
// Invariant: CurrentPosition is non-nil iff Status is one of
// {running, paused, completed, failed}.
type Pipeline struct {
	ID              string          `json:"id"`
	EnvironmentID   string          `json:"environment_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	TemplateID      *string         `json:"template_id,omitempty"`
	Status          PipelineStatus  `json:"status"`
	CurrentPosition *int            `json:"current_position,omitempty"`
	TotalCost       float64         `json:"total_cost"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	Artifacts       *OutputArtifacts `json:"artifacts,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StepType distinguishes agent steps (dispatch a task) from gate steps
// (suspend for a human decision).
type StepType string

const (
	StepAgent StepType = "agent"
	StepGate  StepType = "gate"
)

// StepStatus is the lifecycle state of a single pipeline step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepError     StepStatus = "error"
	StepWaiting   StepStatus = "waiting" // gate steps awaiting a decision
	StepCancelled StepStatus = "cancelled"
)

// GateResult is the human decision recorded on a completed gate step.
type GateResult string

const (
	GateApproved GateResult = "approved"
	GateRejected GateResult = "rejected"
	GateRevised  GateResult = "revised"
)

// MaxIteration bounds the number of times a gate may send work back for
// revision (spec.md invariant I3).
const MaxIteration = 3

// PipelineStep is a single unit of work at a Position within a Pipeline.
// Steps sharing a Position run concurrently; Position ordering is strict.
//
// Invariant: agent steps reference a TaskID once Status is running or
// later; gate steps never do.
type PipelineStep struct {
	ID             string      `json:"id"`
	PipelineID     string      `json:"pipeline_id"`
	Position       int         `json:"position"`
	Type           StepType    `json:"type"`
	Label          string      `json:"label"`
	PersonaID      *string     `json:"persona_id,omitempty"`
	DevContainerID *string     `json:"devcontainer_id,omitempty"`
	PromptTemplate string      `json:"prompt_template,omitempty"`
	GateInstructions string    `json:"gate_instructions,omitempty"`
	Status         StepStatus  `json:"status"`
	TaskID         *string     `json:"task_id,omitempty"`
	ResultSummary  *string     `json:"result_summary,omitempty"` // truncated to 500 chars
	GateResult     *GateResult `json:"gate_result,omitempty"`
	GateFeedback   *string     `json:"gate_feedback,omitempty"`
	Iteration      int         `json:"iteration"`
	MaxRetries     int         `json:"max_retries"`
	RetryCount     int         `json:"retry_count"`
	CostUSD        float64     `json:"cost_usd"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ClearVolatile resets the fields that must not survive a reset-to-pending
// transition (start-from-failed, revise, retry).
func (s *PipelineStep) ClearVolatile() {
	s.TaskID = nil
	s.ResultSummary = nil
	s.GateResult = nil
	s.StartedAt = nil
	s.CompletedAt = nil
}

// SnapshotType identifies the moment a context snapshot was captured.
type SnapshotType string

const (
	SnapshotStart        SnapshotType = "start"
	SnapshotStepComplete SnapshotType = "step_complete"
	SnapshotGateDecision SnapshotType = "gate_decision"
)

// PipelineContextSnapshot is an append-only git diff/status/HEAD capture.
type PipelineContextSnapshot struct {
	ID         string       `json:"id"`
	PipelineID string       `json:"pipeline_id"`
	StepID     *string      `json:"step_id,omitempty"`
	Type       SnapshotType `json:"type"`
	Diff       string       `json:"diff"`
	Status     string       `json:"status"`
	CommitHash string       `json:"commit_hash"`
	Timestamp  time.Time    `json:"timestamp"`
}

// PipelineTemplate is a reusable pipeline definition (named step list).
type PipelineTemplate struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Steps       []PipelineTemplateStep   `json:"steps"`
}

// PipelineTemplateStep is one step in a PipelineTemplate.
type PipelineTemplateStep struct {
	Position         int      `json:"position"`
	Type             StepType `json:"type"`
	Label            string   `json:"label"`
	PersonaID        *string  `json:"persona_id,omitempty"`
	PromptTemplate   string   `json:"prompt_template,omitempty"`
	GateInstructions string   `json:"gate_instructions,omitempty"`
	MaxRetries       int      `json:"max_retries"`
}
