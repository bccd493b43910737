package memstore

import (
	"context"

	"spyre/pkg/dberrors"
	"spyre/pkg/models"
)

func (s *Store) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *Store) UpdatePipeline(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; !ok {
		return dberrors.ErrNotFound
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return dberrors.ErrNotFound
	}
	delete(s.pipelines, id)
	return nil
}

func (s *Store) ListPipelinesByStatus(ctx context.Context, statuses ...models.PipelineStatus) ([]*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.PipelineStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.Pipeline
	for _, p := range s.pipelines {
		if want[p.Status] {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetStep(ctx context.Context, id string) (*models.PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListSteps(ctx context.Context, pipelineID string) ([]*models.PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PipelineStep
	for _, st := range s.steps {
		if st.PipelineID == pipelineID {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateStep(ctx context.Context, st *models.PipelineStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.steps[st.ID] = &cp
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, st *models.PipelineStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; !ok {
		return dberrors.ErrNotFound
	}
	cp := *st
	s.steps[st.ID] = &cp
	return nil
}

func (s *Store) CompareAndSwapStepStatus(ctx context.Context, stepID string, expected, next models.StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return dberrors.ErrNotFound
	}
	if st.Status != expected {
		return dberrors.ErrConflict
	}
	cp := *st
	cp.Status = next
	s.steps[stepID] = &cp
	return nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap *models.PipelineContextSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.PipelineID] = append(s.snapshots[snap.PipelineID], &cp)
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, pipelineID string, typ models.SnapshotType) (*models.PipelineContextSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[pipelineID]
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Type == typ {
			cp := *snaps[i]
			return &cp, nil
		}
	}
	return nil, dberrors.ErrNotFound
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.PipelineTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// SeedTemplate is a test helper for populating templates.
func (s *Store) SeedTemplate(t *models.PipelineTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.templates[t.ID] = &cp
}

// UpsertTemplate loads a config-driven template row; see UpsertPersona.
func (s *Store) UpsertTemplate(ctx context.Context, t *models.PipelineTemplate) error {
	s.SeedTemplate(t)
	return nil
}
