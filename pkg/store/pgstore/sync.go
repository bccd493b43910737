package pgstore

import (
	"context"
	"encoding/json"

	"spyre/pkg/models"
)

// UpsertPersona and its siblings below load the config-driven tables
// (personas, pipeline_templates, software_catalog_items, software_pools)
// from the YAML registries pkg/config builds at startup, seeding them into
// the database the way a boot-time seed step populates built-in rows.
// They are idempotent so re-running Initialize against an already-seeded
// database (a restart, not a fresh install) just overwrites each row in
// place.
func (s *Store) UpsertPersona(ctx context.Context, p *models.Persona) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO personas (id, name, role, instructions)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name=$2, role=$3, instructions=$4`,
		p.ID, p.Name, p.Role, p.Instructions)
	return mapErr(err)
}

func (s *Store) UpsertTemplate(ctx context.Context, t *models.PipelineTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_templates (id, name, description, steps)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name=$2, description=$3, steps=$4`,
		t.ID, t.Name, t.Description, steps)
	return mapErr(err)
}

func (s *Store) UpsertSoftwareCatalogItem(ctx context.Context, c *models.SoftwareCatalogItem) error {
	packages, err := json.Marshal(c.Packages)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO software_catalog_items (id, name, packages)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=$2, packages=$3`,
		c.ID, c.Name, packages)
	return mapErr(err)
}

func (s *Store) UpsertSoftwarePool(ctx context.Context, p *models.SoftwarePool) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO software_pools (id, name, items)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=$2, items=$3`,
		p.ID, p.Name, items)
	return mapErr(err)
}
