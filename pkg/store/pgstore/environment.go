package pgstore

import (
	"context"
	"encoding/json"

	"spyre/pkg/models"
)

func (s *Store) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, hypervisor_id, status, address, ssh_user, metadata,
		       persona_id, repo_url, repo_branch, working_dir, created_at, updated_at
		FROM environments WHERE id = $1`, id)
	return scanEnvironment(row)
}

func (s *Store) ListEnvironments(ctx context.Context) ([]*models.Environment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, hypervisor_id, status, address, ssh_user, metadata,
		       persona_id, repo_url, repo_branch, working_dir, created_at, updated_at
		FROM environments ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreateEnvironment(ctx context.Context, e *models.Environment) error {
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO environments
			(id, name, hypervisor_id, status, address, ssh_user, metadata,
			 persona_id, repo_url, repo_branch, working_dir, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.Name, e.HypervisorID, e.Status, e.Address, e.SSHUser, meta,
		e.PersonaID, e.RepoURL, e.RepoBranch, e.WorkingDir, e.CreatedAt, e.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateEnvironment(ctx context.Context, e *models.Environment) error {
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE environments SET
			name=$2, hypervisor_id=$3, status=$4, address=$5, ssh_user=$6, metadata=$7,
			persona_id=$8, repo_url=$9, repo_branch=$10, working_dir=$11, updated_at=$12
		WHERE id=$1`,
		e.ID, e.Name, e.HypervisorID, e.Status, e.Address, e.SSHUser, meta,
		e.PersonaID, e.RepoURL, e.RepoBranch, e.WorkingDir, e.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffectedErr(tag.RowsAffected())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row rowScanner) (*models.Environment, error) {
	var e models.Environment
	var meta []byte
	if err := row.Scan(&e.ID, &e.Name, &e.HypervisorID, &e.Status, &e.Address, &e.SSHUser, &meta,
		&e.PersonaID, &e.RepoURL, &e.RepoBranch, &e.WorkingDir, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *Store) GetDevContainer(ctx context.Context, id string) (*models.DevContainer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, environment_id, name, status, created_at, updated_at
		FROM devcontainers WHERE id = $1`, id)
	return scanDevContainer(row)
}

func (s *Store) ListDevContainersByEnvironment(ctx context.Context, environmentID string) ([]*models.DevContainer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, name, status, created_at, updated_at
		FROM devcontainers WHERE environment_id = $1 ORDER BY created_at`, environmentID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.DevContainer
	for rows.Next() {
		d, err := scanDevContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) UpdateDevContainer(ctx context.Context, d *models.DevContainer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devcontainers (id, environment_id, name, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			environment_id=EXCLUDED.environment_id, name=EXCLUDED.name,
			status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		d.ID, d.EnvironmentID, d.Name, d.Status, d.CreatedAt, d.UpdatedAt)
	return mapErr(err)
}

func scanDevContainer(row rowScanner) (*models.DevContainer, error) {
	var d models.DevContainer
	if err := row.Scan(&d.ID, &d.EnvironmentID, &d.Name, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (s *Store) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	var p models.Persona
	err := s.pool.QueryRow(ctx, `SELECT id, name, role, instructions FROM personas WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Role, &p.Instructions)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}
