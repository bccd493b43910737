package memstore

import (
	"context"

	"spyre/pkg/dberrors"
	"spyre/pkg/models"
)

func (s *Store) GetSoftwareCatalogItem(ctx context.Context, id string) (*models.SoftwareCatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.softwareCatalog[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetSoftwarePool(ctx context.Context, id string) (*models.SoftwarePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.softwarePools[id]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) AppendProvisioningLog(ctx context.Context, e *models.ProvisioningLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.provisioningLog[e.EnvironmentID] = append(s.provisioningLog[e.EnvironmentID], &cp)
	return nil
}

func (s *Store) ListProvisioningLog(ctx context.Context, environmentID string) ([]*models.ProvisioningLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.provisioningLog[environmentID]
	out := make([]*models.ProvisioningLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// SeedSoftwareCatalogItem and SeedSoftwarePool are test helpers: the real
// catalog/pool content is operator-authored config (pkg/config), not
// something the engine creates at runtime.
func (s *Store) SeedSoftwareCatalogItem(c *models.SoftwareCatalogItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.softwareCatalog[c.ID] = &cp
}

func (s *Store) SeedSoftwarePool(p *models.SoftwarePool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.softwarePools[p.ID] = &cp
}

// UpsertSoftwareCatalogItem and UpsertSoftwarePool load config-driven rows;
// see UpsertPersona.
func (s *Store) UpsertSoftwareCatalogItem(ctx context.Context, c *models.SoftwareCatalogItem) error {
	s.SeedSoftwareCatalogItem(c)
	return nil
}

func (s *Store) UpsertSoftwarePool(ctx context.Context, p *models.SoftwarePool) error {
	s.SeedSoftwarePool(p)
	return nil
}
