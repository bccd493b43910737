// Package store defines the persistence interfaces for every entity in
// spec.md §3. The engine packages (dispatcher, pipeline, orchestrator,
// recovery) depend only on these interfaces, never on a concrete driver,
// so they can be exercised against the in-memory reference implementation
// in pkg/store/memstore during tests and against pkg/store/pgstore (backed
// by pgx/v5) in production — the same split a service layer draws
// against a generated ORM client underneath it.
//
// Every method takes a context.Context as its first argument and returns
// dberrors.ErrNotFound when a lookup by id finds no row, so callers can use
// errors.Is uniformly regardless of backend.
package store

import (
	"context"

	"spyre/pkg/models"
)

// EnvironmentStore persists Environment and DevContainer rows.
type EnvironmentStore interface {
	GetEnvironment(ctx context.Context, id string) (*models.Environment, error)
	ListEnvironments(ctx context.Context) ([]*models.Environment, error)
	CreateEnvironment(ctx context.Context, e *models.Environment) error
	UpdateEnvironment(ctx context.Context, e *models.Environment) error

	GetDevContainer(ctx context.Context, id string) (*models.DevContainer, error)
	ListDevContainersByEnvironment(ctx context.Context, environmentID string) ([]*models.DevContainer, error)
	UpdateDevContainer(ctx context.Context, d *models.DevContainer) error

	GetPersona(ctx context.Context, id string) (*models.Persona, error)
}

// TaskStore persists Task and TaskEvent rows.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByEnvironment(ctx context.Context, environmentID string) ([]*models.Task, error)
	CreateTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	// ActiveTaskExists reports whether a task in {pending, running} already
	// targets this (environmentID, devContainerID) pair (spec.md invariant I1).
	ActiveTaskExists(ctx context.Context, environmentID, devContainerID string) (bool, error)
	// CountActive returns the number of tasks currently in {pending, running}
	// across all environments, for the MAX_CONCURRENT_TASKS cap.
	CountActive(ctx context.Context) (int, error)

	AppendTaskEvent(ctx context.Context, e *models.TaskEvent) error
	ListTaskEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error)
	NextEventSeq(ctx context.Context, taskID string) (int, error)
}

// PipelineStore persists Pipeline, PipelineStep and snapshot rows.
type PipelineStore interface {
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*models.Pipeline, error)
	CreatePipeline(ctx context.Context, p *models.Pipeline) error
	UpdatePipeline(ctx context.Context, p *models.Pipeline) error
	DeletePipeline(ctx context.Context, id string) error
	ListPipelinesByStatus(ctx context.Context, statuses ...models.PipelineStatus) ([]*models.Pipeline, error)

	GetStep(ctx context.Context, id string) (*models.PipelineStep, error)
	ListSteps(ctx context.Context, pipelineID string) ([]*models.PipelineStep, error)
	CreateStep(ctx context.Context, s *models.PipelineStep) error
	UpdateStep(ctx context.Context, s *models.PipelineStep) error
	// CompareAndSwapStepStatus atomically transitions a step from
	// expected to next, returning dberrors.ErrConflict if the step's
	// current status is not expected (spec.md §4.7 gate decisions CAS).
	CompareAndSwapStepStatus(ctx context.Context, stepID string, expected, next models.StepStatus) error

	AppendSnapshot(ctx context.Context, s *models.PipelineContextSnapshot) error
	LatestSnapshot(ctx context.Context, pipelineID string, typ models.SnapshotType) (*models.PipelineContextSnapshot, error)

	GetTemplate(ctx context.Context, id string) (*models.PipelineTemplate, error)
}

// OrchestratorStore persists OrchestratorSession, LightweightAgent and
// AskUserRequest rows.
type OrchestratorStore interface {
	GetOrchestrator(ctx context.Context, id string) (*models.OrchestratorSession, error)
	ListOrchestratorsByStatus(ctx context.Context, statuses ...models.OrchestratorStatus) ([]*models.OrchestratorSession, error)
	CreateOrchestrator(ctx context.Context, o *models.OrchestratorSession) error
	UpdateOrchestrator(ctx context.Context, o *models.OrchestratorSession) error
	DeleteOrchestrator(ctx context.Context, id string) error

	GetAgent(ctx context.Context, id string) (*models.LightweightAgent, error)
	ListAgentsByOrchestrator(ctx context.Context, orchestratorID string) ([]*models.LightweightAgent, error)
	CreateAgent(ctx context.Context, a *models.LightweightAgent) error
	UpdateAgent(ctx context.Context, a *models.LightweightAgent) error
	CountActiveAgentsInWave(ctx context.Context, orchestratorID string) (int, error)

	GetAskUserRequest(ctx context.Context, id string) (*models.AskUserRequest, error)
	ListAskUserRequestsByEnvironment(ctx context.Context, environmentID string) ([]*models.AskUserRequest, error)
	CreateAskUserRequest(ctx context.Context, r *models.AskUserRequest) error
	UpdateAskUserRequest(ctx context.Context, r *models.AskUserRequest) error
}

// ProvisionerStore persists provisioning inputs (software catalog,
// software pools) and the durable provisioning log.
type ProvisionerStore interface {
	GetSoftwareCatalogItem(ctx context.Context, id string) (*models.SoftwareCatalogItem, error)
	GetSoftwarePool(ctx context.Context, id string) (*models.SoftwarePool, error)

	AppendProvisioningLog(ctx context.Context, e *models.ProvisioningLogEntry) error
	ListProvisioningLog(ctx context.Context, environmentID string) ([]*models.ProvisioningLogEntry, error)
}

// ConfigSync loads the operator-authored rows from pkg/config's YAML
// registries (personas, templates, software catalog items, software pools)
// into the store at startup. Both backends implement it idempotently, so
// re-running it on every boot keeps the store in lockstep with whatever
// config files are on disk without a separate migration step.
type ConfigSync interface {
	UpsertPersona(ctx context.Context, p *models.Persona) error
	UpsertTemplate(ctx context.Context, t *models.PipelineTemplate) error
	UpsertSoftwareCatalogItem(ctx context.Context, c *models.SoftwareCatalogItem) error
	UpsertSoftwarePool(ctx context.Context, p *models.SoftwarePool) error
}

// Store aggregates every repository the engine depends on. Concrete
// backends (memstore, pgstore) implement the whole interface; the engine
// package wires a single Store value into every component.
type Store interface {
	EnvironmentStore
	TaskStore
	PipelineStore
	OrchestratorStore
	ProvisionerStore
	ConfigSync
}
