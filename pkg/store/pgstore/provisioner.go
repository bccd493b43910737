package pgstore

import (
	"context"
	"encoding/json"

	"spyre/pkg/models"
)

func (s *Store) GetSoftwareCatalogItem(ctx context.Context, id string) (*models.SoftwareCatalogItem, error) {
	var c models.SoftwareCatalogItem
	var packages []byte
	err := s.pool.QueryRow(ctx, `SELECT id, name, packages FROM software_catalog_items WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &packages)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(packages, &c.Packages); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetSoftwarePool(ctx context.Context, id string) (*models.SoftwarePool, error) {
	var p models.SoftwarePool
	var items []byte
	err := s.pool.QueryRow(ctx, `SELECT id, name, items FROM software_pools WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &items)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) AppendProvisioningLog(ctx context.Context, e *models.ProvisioningLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provisioning_log (id, environment_id, phase, status, message, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.EnvironmentID, e.Phase, e.Status, e.Message, e.Timestamp)
	return mapErr(err)
}

func (s *Store) ListProvisioningLog(ctx context.Context, environmentID string) ([]*models.ProvisioningLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, environment_id, phase, status, message, timestamp
		FROM provisioning_log WHERE environment_id = $1 ORDER BY timestamp`, environmentID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.ProvisioningLogEntry
	for rows.Next() {
		var e models.ProvisioningLogEntry
		if err := rows.Scan(&e.ID, &e.EnvironmentID, &e.Phase, &e.Status, &e.Message, &e.Timestamp); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &e)
	}
	return out, mapErr(rows.Err())
}
