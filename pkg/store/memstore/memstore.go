// Package memstore is an in-memory implementation of pkg/store.Store,
// used by the engine packages' unit tests so the pipeline/dispatcher/
// orchestrator state machines can be exercised without a real PostgreSQL
// instance (spec.md §4.6 testability pattern, generalized to every
// component that depends on the store).
package memstore

import (
	"sync"

	"spyre/pkg/models"
)

// Store is a mutex-guarded, in-memory Store. All maps are keyed by id.
// Get and List methods return copies of the stored entities, so a caller's
// change takes effect only through an Update* method, mirroring the
// separate Get/Update round trips of a real row-based store.
// ListTaskEvents and ListProvisioningLog copy the slice but share its
// entries with the store.
type Store struct {
	mu sync.Mutex

	environments  map[string]*models.Environment
	devcontainers map[string]*models.DevContainer
	personas      map[string]*models.Persona

	tasks      map[string]*models.Task
	taskEvents map[string][]*models.TaskEvent

	pipelines map[string]*models.Pipeline
	steps     map[string]*models.PipelineStep
	snapshots map[string][]*models.PipelineContextSnapshot
	templates map[string]*models.PipelineTemplate

	orchestrators map[string]*models.OrchestratorSession
	agents        map[string]*models.LightweightAgent
	askUsers      map[string]*models.AskUserRequest

	softwareCatalog map[string]*models.SoftwareCatalogItem
	softwarePools   map[string]*models.SoftwarePool
	provisioningLog map[string][]*models.ProvisioningLogEntry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		environments:  make(map[string]*models.Environment),
		devcontainers: make(map[string]*models.DevContainer),
		personas:      make(map[string]*models.Persona),
		tasks:         make(map[string]*models.Task),
		taskEvents:    make(map[string][]*models.TaskEvent),
		pipelines:     make(map[string]*models.Pipeline),
		steps:         make(map[string]*models.PipelineStep),
		snapshots:     make(map[string][]*models.PipelineContextSnapshot),
		templates:     make(map[string]*models.PipelineTemplate),
		orchestrators: make(map[string]*models.OrchestratorSession),
		agents:        make(map[string]*models.LightweightAgent),
		askUsers:      make(map[string]*models.AskUserRequest),

		softwareCatalog: make(map[string]*models.SoftwareCatalogItem),
		softwarePools:   make(map[string]*models.SoftwarePool),
		provisioningLog: make(map[string][]*models.ProvisioningLogEntry),
	}
}
