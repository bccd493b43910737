package pgstore

import (
	"context"

	"spyre/pkg/models"
)

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, environment_id, devcontainer_id, prompt, status, raw_output, result,
		       session_id, cost_usd, error_message, error_code, max_retries, created_at, updated_at
		FROM claude_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) ListTasksByEnvironment(ctx context.Context, environmentID string) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, devcontainer_id, prompt, status, raw_output, result,
		       session_id, cost_usd, error_message, error_code, max_retries, created_at, updated_at
		FROM claude_tasks WHERE environment_id = $1 ORDER BY created_at DESC`, environmentID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO claude_tasks
			(id, environment_id, devcontainer_id, prompt, status, raw_output, result,
			 session_id, cost_usd, error_message, error_code, max_retries, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.EnvironmentID, t.DevContainerID, t.Prompt, t.Status, t.RawOutput, t.Result,
		t.SessionID, t.CostUSD, t.ErrorMessage, t.ErrorCode, t.MaxRetries, t.CreatedAt, t.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE claude_tasks SET
			devcontainer_id=$2, prompt=$3, status=$4, raw_output=$5, result=$6, session_id=$7,
			cost_usd=$8, error_message=$9, error_code=$10, max_retries=$11, updated_at=$12
		WHERE id=$1`,
		t.ID, t.DevContainerID, t.Prompt, t.Status, t.RawOutput, t.Result, t.SessionID,
		t.CostUSD, t.ErrorMessage, t.ErrorCode, t.MaxRetries, t.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

// ActiveTaskExists enforces spec.md invariant I1 directly in SQL: a task
// "targets distinct dev-containers" when devContainerID differs, with the
// empty string meaning the environment's own primary shell — so the
// comparison must treat a NULL column the same as '' rather than using
// plain equality, which NULL never satisfies.
func (s *Store) ActiveTaskExists(ctx context.Context, environmentID, devContainerID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM claude_tasks
			WHERE environment_id = $1
			  AND COALESCE(devcontainer_id, '') = $2
			  AND status IN ('pending', 'running')
		)`, environmentID, devContainerID).Scan(&exists)
	return exists, mapErr(err)
}

func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM claude_tasks WHERE status IN ('pending', 'running')`).Scan(&n)
	return n, mapErr(err)
}

func (s *Store) AppendTaskEvent(ctx context.Context, e *models.TaskEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO claude_task_events (task_id, seq, type, summary, payload, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.TaskID, e.Seq, e.Type, e.Summary, e.Payload, e.Timestamp)
	return mapErr(err)
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, seq, type, summary, payload, timestamp
		FROM claude_task_events WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.TaskEvent
	for rows.Next() {
		var e models.TaskEvent
		if err := rows.Scan(&e.TaskID, &e.Seq, &e.Type, &e.Summary, &e.Payload, &e.Timestamp); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &e)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) NextEventSeq(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM claude_task_events WHERE task_id = $1`, taskID).Scan(&n)
	return n, mapErr(err)
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	if err := row.Scan(&t.ID, &t.EnvironmentID, &t.DevContainerID, &t.Prompt, &t.Status, &t.RawOutput,
		&t.Result, &t.SessionID, &t.CostUSD, &t.ErrorMessage, &t.ErrorCode, &t.MaxRetries,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}
