package memstore

import (
	"context"

	"spyre/pkg/dberrors"
	"spyre/pkg/models"
)

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTasksByEnvironment(ctx context.Context, environmentID string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.EnvironmentID == environmentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return dberrors.ErrNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) ActiveTaskExists(ctx context.Context, environmentID, devContainerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.EnvironmentID != environmentID {
			continue
		}
		taskDC := ""
		if t.DevContainerID != nil {
			taskDC = *t.DevContainerID
		}
		if taskDC != devContainerID {
			continue
		}
		if t.Status == models.TaskPending || t.Status == models.TaskRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskPending || t.Status == models.TaskRunning {
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendTaskEvent(ctx context.Context, e *models.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.taskEvents[e.TaskID] {
		if existing.Seq == e.Seq {
			return dberrors.ErrConflict
		}
	}
	cp := *e
	s.taskEvents[e.TaskID] = append(s.taskEvents[e.TaskID], &cp)
	return nil
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TaskEvent, len(s.taskEvents[taskID]))
	copy(out, s.taskEvents[taskID])
	return out, nil
}

func (s *Store) NextEventSeq(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taskEvents[taskID]) + 1, nil
}
