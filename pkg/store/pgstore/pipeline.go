package pgstore

import (
	"context"
	"encoding/json"

	"spyre/pkg/dberrors"
	"spyre/pkg/models"
)

func (s *Store) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, environment_id, name, description, template_id, status, current_position,
		       total_cost, error_message, artifacts, created_at, updated_at
		FROM pipelines WHERE id = $1`, id)
	return scanPipeline(row)
}

func (s *Store) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, name, description, template_id, status, current_position,
		       total_cost, error_message, artifacts, created_at, updated_at
		FROM pipelines ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	artifacts, err := marshalJSON(p.Artifacts)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipelines
			(id, environment_id, name, description, template_id, status, current_position,
			 total_cost, error_message, artifacts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.EnvironmentID, p.Name, p.Description, p.TemplateID, p.Status, p.CurrentPosition,
		p.TotalCost, p.ErrorMessage, artifacts, p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdatePipeline(ctx context.Context, p *models.Pipeline) error {
	artifacts, err := marshalJSON(p.Artifacts)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipelines SET
			name=$2, description=$3, template_id=$4, status=$5, current_position=$6,
			total_cost=$7, error_message=$8, artifacts=$9, updated_at=$10
		WHERE id=$1`,
		p.ID, p.Name, p.Description, p.TemplateID, p.Status, p.CurrentPosition,
		p.TotalCost, p.ErrorMessage, artifacts, p.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

func (s *Store) ListPipelinesByStatus(ctx context.Context, statuses ...models.PipelineStatus) ([]*models.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, name, description, template_id, status, current_position,
		       total_cost, error_message, artifacts, created_at, updated_at
		FROM pipelines WHERE status = ANY($1) ORDER BY created_at`, statusStrings(statuses))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err())
}

func statusStrings(statuses []models.PipelineStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func scanPipeline(row rowScanner) (*models.Pipeline, error) {
	var p models.Pipeline
	var artifacts []byte
	if err := row.Scan(&p.ID, &p.EnvironmentID, &p.Name, &p.Description, &p.TemplateID, &p.Status,
		&p.CurrentPosition, &p.TotalCost, &p.ErrorMessage, &artifacts, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &p.Artifacts); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *Store) GetStep(ctx context.Context, id string) (*models.PipelineStep, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, position, type, label, persona_id, devcontainer_id, prompt_template,
		       gate_instructions, status, task_id, result_summary, gate_result, gate_feedback,
		       iteration, max_retries, retry_count, cost_usd, started_at, completed_at,
		       created_at, updated_at
		FROM pipeline_steps WHERE id = $1`, id)
	return scanStep(row)
}

func (s *Store) ListSteps(ctx context.Context, pipelineID string) ([]*models.PipelineStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_id, position, type, label, persona_id, devcontainer_id, prompt_template,
		       gate_instructions, status, task_id, result_summary, gate_result, gate_feedback,
		       iteration, max_retries, retry_count, cost_usd, started_at, completed_at,
		       created_at, updated_at
		FROM pipeline_steps WHERE pipeline_id = $1 ORDER BY position`, pipelineID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.PipelineStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreateStep(ctx context.Context, st *models.PipelineStep) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_steps
			(id, pipeline_id, position, type, label, persona_id, devcontainer_id, prompt_template,
			 gate_instructions, status, task_id, result_summary, gate_result, gate_feedback,
			 iteration, max_retries, retry_count, cost_usd, started_at, completed_at,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		st.ID, st.PipelineID, st.Position, st.Type, st.Label, st.PersonaID, st.DevContainerID,
		st.PromptTemplate, st.GateInstructions, st.Status, st.TaskID, st.ResultSummary,
		st.GateResult, st.GateFeedback, st.Iteration, st.MaxRetries, st.RetryCount, st.CostUSD,
		st.StartedAt, st.CompletedAt, st.CreatedAt, st.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateStep(ctx context.Context, st *models.PipelineStep) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_steps SET
			position=$2, type=$3, label=$4, persona_id=$5, devcontainer_id=$6, prompt_template=$7,
			gate_instructions=$8, status=$9, task_id=$10, result_summary=$11, gate_result=$12,
			gate_feedback=$13, iteration=$14, max_retries=$15, retry_count=$16, cost_usd=$17,
			started_at=$18, completed_at=$19, updated_at=$20
		WHERE id=$1`,
		st.ID, st.Position, st.Type, st.Label, st.PersonaID, st.DevContainerID, st.PromptTemplate,
		st.GateInstructions, st.Status, st.TaskID, st.ResultSummary, st.GateResult, st.GateFeedback,
		st.Iteration, st.MaxRetries, st.RetryCount, st.CostUSD, st.StartedAt, st.CompletedAt, st.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

// CompareAndSwapStepStatus mirrors memstore's in-process check-then-set as
// a single conditional UPDATE, so two concurrent advances of the same step
// cannot both believe they made the transition: a 0-row result means either
// the step is missing or its status no longer matched expected, and the
// latter must map to ErrConflict rather than ErrNotFound for callers (like
// pkg/pipeline.Engine) that distinguish a lost race from a bad id.
func (s *Store) CompareAndSwapStepStatus(ctx context.Context, stepID string, expected, next models.StepStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_steps SET status = $3 WHERE id = $1 AND status = $2`,
		stepID, expected, next)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pipeline_steps WHERE id = $1)`, stepID).
		Scan(&exists); err != nil {
		return mapErr(err)
	}
	if !exists {
		return dberrors.ErrNotFound
	}
	return dberrors.ErrConflict
}

func scanStep(row rowScanner) (*models.PipelineStep, error) {
	var st models.PipelineStep
	if err := row.Scan(&st.ID, &st.PipelineID, &st.Position, &st.Type, &st.Label, &st.PersonaID,
		&st.DevContainerID, &st.PromptTemplate, &st.GateInstructions, &st.Status, &st.TaskID,
		&st.ResultSummary, &st.GateResult, &st.GateFeedback, &st.Iteration, &st.MaxRetries,
		&st.RetryCount, &st.CostUSD, &st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &st, nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap *models.PipelineContextSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_context_snapshots
			(id, pipeline_id, step_id, type, diff, status, commit_hash, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		snap.ID, snap.PipelineID, snap.StepID, snap.Type, snap.Diff, snap.Status, snap.CommitHash, snap.Timestamp)
	return mapErr(err)
}

func (s *Store) LatestSnapshot(ctx context.Context, pipelineID string, typ models.SnapshotType) (*models.PipelineContextSnapshot, error) {
	var snap models.PipelineContextSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, step_id, type, diff, status, commit_hash, timestamp
		FROM pipeline_context_snapshots
		WHERE pipeline_id = $1 AND type = $2
		ORDER BY timestamp DESC LIMIT 1`, pipelineID, typ).
		Scan(&snap.ID, &snap.PipelineID, &snap.StepID, &snap.Type, &snap.Diff, &snap.Status,
			&snap.CommitHash, &snap.Timestamp)
	if err != nil {
		return nil, mapErr(err)
	}
	return &snap, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.PipelineTemplate, error) {
	var t models.PipelineTemplate
	var steps []byte
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, steps FROM pipeline_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Description, &steps)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, err
	}
	return &t, nil
}
