package pgstore

import (
	"context"
	"encoding/json"

	"spyre/pkg/models"
)

func (s *Store) GetOrchestrator(ctx context.Context, id string) (*models.OrchestratorSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, environment_id, goal, system_prompt, model, status, task_id, wave_count,
		       agent_count, total_cost, result_summary, created_at, updated_at
		FROM orchestrator_sessions WHERE id = $1`, id)
	return scanOrchestrator(row)
}

func (s *Store) ListOrchestratorsByStatus(ctx context.Context, statuses ...models.OrchestratorStatus) ([]*models.OrchestratorSession, error) {
	want := make([]string, len(statuses))
	for i, st := range statuses {
		want[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, goal, system_prompt, model, status, task_id, wave_count,
		       agent_count, total_cost, result_summary, created_at, updated_at
		FROM orchestrator_sessions WHERE status = ANY($1) ORDER BY created_at`, want)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.OrchestratorSession
	for rows.Next() {
		o, err := scanOrchestrator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreateOrchestrator(ctx context.Context, o *models.OrchestratorSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestrator_sessions
			(id, environment_id, goal, system_prompt, model, status, task_id, wave_count,
			 agent_count, total_cost, result_summary, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		o.ID, o.EnvironmentID, o.Goal, o.SystemPrompt, o.Model, o.Status, o.TaskID, o.WaveCount,
		o.AgentCount, o.TotalCost, o.ResultSummary, o.CreatedAt, o.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateOrchestrator(ctx context.Context, o *models.OrchestratorSession) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestrator_sessions SET
			goal=$2, system_prompt=$3, model=$4, status=$5, task_id=$6, wave_count=$7,
			agent_count=$8, total_cost=$9, result_summary=$10, updated_at=$11
		WHERE id=$1`,
		o.ID, o.Goal, o.SystemPrompt, o.Model, o.Status, o.TaskID, o.WaveCount,
		o.AgentCount, o.TotalCost, o.ResultSummary, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

func (s *Store) DeleteOrchestrator(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orchestrator_sessions WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

func scanOrchestrator(row rowScanner) (*models.OrchestratorSession, error) {
	var o models.OrchestratorSession
	if err := row.Scan(&o.ID, &o.EnvironmentID, &o.Goal, &o.SystemPrompt, &o.Model, &o.Status,
		&o.TaskID, &o.WaveCount, &o.AgentCount, &o.TotalCost, &o.ResultSummary,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.LightweightAgent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, environment_id, orchestrator_id, name, role, persona_id, devcontainer_id,
		       task_prompt, task_id, model, status, wave_id, wave_position, result_summary,
		       cost_usd, context, created_at, updated_at
		FROM lightweight_agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *Store) ListAgentsByOrchestrator(ctx context.Context, orchestratorID string) ([]*models.LightweightAgent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, orchestrator_id, name, role, persona_id, devcontainer_id,
		       task_prompt, task_id, model, status, wave_id, wave_position, result_summary,
		       cost_usd, context, created_at, updated_at
		FROM lightweight_agents WHERE orchestrator_id = $1 ORDER BY created_at`, orchestratorID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.LightweightAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreateAgent(ctx context.Context, a *models.LightweightAgent) error {
	ctxJSON, err := marshalJSON(a.Context)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO lightweight_agents
			(id, environment_id, orchestrator_id, name, role, persona_id, devcontainer_id,
			 task_prompt, task_id, model, status, wave_id, wave_position, result_summary,
			 cost_usd, context, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		a.ID, a.EnvironmentID, a.OrchestratorID, a.Name, a.Role, a.PersonaID, a.DevContainerID,
		a.TaskPrompt, a.TaskID, a.Model, a.Status, a.WaveID, a.WavePosition, a.ResultSummary,
		a.CostUSD, ctxJSON, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateAgent(ctx context.Context, a *models.LightweightAgent) error {
	ctxJSON, err := marshalJSON(a.Context)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE lightweight_agents SET
			name=$2, role=$3, persona_id=$4, devcontainer_id=$5, task_prompt=$6, task_id=$7,
			model=$8, status=$9, wave_id=$10, wave_position=$11, result_summary=$12,
			cost_usd=$13, context=$14, updated_at=$15
		WHERE id=$1`,
		a.ID, a.Name, a.Role, a.PersonaID, a.DevContainerID, a.TaskPrompt, a.TaskID, a.Model,
		a.Status, a.WaveID, a.WavePosition, a.ResultSummary, a.CostUSD, ctxJSON, a.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

func (s *Store) CountActiveAgentsInWave(ctx context.Context, orchestratorID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM lightweight_agents
		WHERE orchestrator_id = $1 AND status IN ('spawning', 'running')`, orchestratorID).Scan(&n)
	return n, mapErr(err)
}

func scanAgent(row rowScanner) (*models.LightweightAgent, error) {
	var a models.LightweightAgent
	var ctxJSON []byte
	if err := row.Scan(&a.ID, &a.EnvironmentID, &a.OrchestratorID, &a.Name, &a.Role, &a.PersonaID,
		&a.DevContainerID, &a.TaskPrompt, &a.TaskID, &a.Model, &a.Status, &a.WaveID, &a.WavePosition,
		&a.ResultSummary, &a.CostUSD, &ctxJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &a.Context); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (s *Store) GetAskUserRequest(ctx context.Context, id string) (*models.AskUserRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, environment_id, orchestrator_id, agent_id, question, options, response,
		       status, created_at, updated_at
		FROM ask_user_requests WHERE id = $1`, id)
	return scanAskUserRequest(row)
}

func (s *Store) ListAskUserRequestsByEnvironment(ctx context.Context, environmentID string) ([]*models.AskUserRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, orchestrator_id, agent_id, question, options, response,
		       status, created_at, updated_at
		FROM ask_user_requests WHERE environment_id = $1 ORDER BY created_at`, environmentID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.AskUserRequest
	for rows.Next() {
		r, err := scanAskUserRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreateAskUserRequest(ctx context.Context, r *models.AskUserRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ask_user_requests
			(id, environment_id, orchestrator_id, agent_id, question, options, response,
			 status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.EnvironmentID, r.OrchestratorID, r.AgentID, r.Question, r.Options, r.Response,
		r.Status, r.CreatedAt, r.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateAskUserRequest(ctx context.Context, r *models.AskUserRequest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ask_user_requests SET
			agent_id=$2, question=$3, options=$4, response=$5, status=$6, updated_at=$7
		WHERE id=$1`,
		r.ID, r.AgentID, r.Question, r.Options, r.Response, r.Status, r.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

func scanAskUserRequest(row rowScanner) (*models.AskUserRequest, error) {
	var r models.AskUserRequest
	if err := row.Scan(&r.ID, &r.EnvironmentID, &r.OrchestratorID, &r.AgentID, &r.Question,
		&r.Options, &r.Response, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}
