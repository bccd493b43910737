package memstore

import (
	"context"

	"spyre/pkg/dberrors"
	"spyre/pkg/models"
)

func (s *Store) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.environments[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListEnvironments(ctx context.Context) ([]*models.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Environment, 0, len(s.environments))
	for _, e := range s.environments {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) CreateEnvironment(ctx context.Context, e *models.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.environments[e.ID]; exists {
		return dberrors.ErrAlreadyExists
	}
	cp := *e
	s.environments[e.ID] = &cp
	return nil
}

func (s *Store) UpdateEnvironment(ctx context.Context, e *models.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.environments[e.ID]; !exists {
		return dberrors.ErrNotFound
	}
	cp := *e
	s.environments[e.ID] = &cp
	return nil
}

func (s *Store) GetDevContainer(ctx context.Context, id string) (*models.DevContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devcontainers[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDevContainersByEnvironment(ctx context.Context, environmentID string) ([]*models.DevContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DevContainer
	for _, d := range s.devcontainers {
		if d.EnvironmentID == environmentID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateDevContainer(ctx context.Context, d *models.DevContainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devcontainers[d.ID] = &cp
	return nil
}

func (s *Store) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.personas[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SeedDevContainer and SeedPersona are test helpers (no interface
// counterpart creates these in spec.md's external-collaborator scope).
func (s *Store) SeedDevContainer(d *models.DevContainer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devcontainers[d.ID] = &cp
}

func (s *Store) SeedPersona(p *models.Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.personas[p.ID] = &cp
}

// UpsertPersona loads a config-driven persona row, matching pgstore's
// startup-seed method so the engine can sync pkg/config's PersonaRegistry
// into either backend through the same call.
func (s *Store) UpsertPersona(ctx context.Context, p *models.Persona) error {
	s.SeedPersona(p)
	return nil
}
