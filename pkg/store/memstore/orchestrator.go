package memstore

import (
	"context"

	"spyre/pkg/dberrors"
	"spyre/pkg/models"
)

func (s *Store) GetOrchestrator(ctx context.Context, id string) (*models.OrchestratorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orchestrators[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) ListOrchestratorsByStatus(ctx context.Context, statuses ...models.OrchestratorStatus) ([]*models.OrchestratorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.OrchestratorStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.OrchestratorSession
	for _, o := range s.orchestrators {
		if want[o.Status] {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateOrchestrator(ctx context.Context, o *models.OrchestratorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orchestrators[o.ID] = &cp
	return nil
}

func (s *Store) UpdateOrchestrator(ctx context.Context, o *models.OrchestratorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orchestrators[o.ID]; !ok {
		return dberrors.ErrNotFound
	}
	cp := *o
	s.orchestrators[o.ID] = &cp
	return nil
}

func (s *Store) DeleteOrchestrator(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orchestrators[id]; !ok {
		return dberrors.ErrNotFound
	}
	delete(s.orchestrators, id)
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.LightweightAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAgentsByOrchestrator(ctx context.Context, orchestratorID string) ([]*models.LightweightAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LightweightAgent
	for _, a := range s.agents {
		if a.OrchestratorID != nil && *a.OrchestratorID == orchestratorID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *models.LightweightAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *models.LightweightAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return dberrors.ErrNotFound
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *Store) CountActiveAgentsInWave(ctx context.Context, orchestratorID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if a.OrchestratorID == nil || *a.OrchestratorID != orchestratorID {
			continue
		}
		if a.Status == models.AgentSpawning || a.Status == models.AgentRunning {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetAskUserRequest(ctx context.Context, id string) (*models.AskUserRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.askUsers[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListAskUserRequestsByEnvironment(ctx context.Context, environmentID string) ([]*models.AskUserRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AskUserRequest
	for _, r := range s.askUsers {
		if r.EnvironmentID == environmentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateAskUserRequest(ctx context.Context, r *models.AskUserRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.askUsers[r.ID] = &cp
	return nil
}

func (s *Store) UpdateAskUserRequest(ctx context.Context, r *models.AskUserRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.askUsers[r.ID]; !ok {
		return dberrors.ErrNotFound
	}
	cp := *r
	s.askUsers[r.ID] = &cp
	return nil
}
