// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/engramd/engram/internal/database"
	"github.com/engramd/engram/internal/snapshot"
)

// Export reads a tenant's complete graph state. Runs outside the write
// lock; an export concurrent with a write sees a consistent-enough
// point-in-time view for backup purposes.
func (s *Store) Export(tenantID string) (*snapshot.Snapshot, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}

	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	snap := &snapshot.Snapshot{
		TenantID:   tenantID,
		ExportedAt: time.Now().UTC(),
	}
	if err := db.Where("tenant_id = ?", tenantID).Order("id").Find(&snap.Entities).Error; err != nil {
		return nil, fmt.Errorf("failed to export entities: %w", err)
	}
	if err := db.Where("tenant_id = ?", tenantID).Order("entity_a, entity_b").Find(&snap.Links).Error; err != nil {
		return nil, fmt.Errorf("failed to export links: %w", err)
	}
	if err := db.Where("tenant_id = ?", tenantID).Order("created_at, id").Find(&snap.Decisions).Error; err != nil {
		return nil, fmt.Errorf("failed to export decisions: %w", err)
	}
	return snap, nil
}

// Import loads a snapshot into a tenant's store. Replace mode drops
// current state first; merge mode unions deterministically via the
// snapshot strategies. Imported link weights outside [0,1] are rejected
// before any mutation.
func (s *Store) Import(ctx context.Context, tenantID string, snap *snapshot.Snapshot, mode snapshot.ImportMode) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if !snapshot.IsValidImportMode(mode) {
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown import mode %q", mode)}
	}
	for _, link := range snap.Links {
		if link.Weight < 0 || link.Weight > 1 {
			return &ValidationError{
				Field:   "links",
				Message: fmt.Sprintf("link %s-%s has weight %f outside [0,1]", link.EntityA, link.EntityB, link.Weight),
			}
		}
	}

	return s.locker.WithLock(tenantID, func() error {
		db, err := s.mgr.Tenant(tenantID)
		if err != nil {
			return err
		}

		entities := snap.Entities
		links := snap.Links
		decisions := snap.Decisions

		if mode == snapshot.ModeMerge {
			current, err := s.Export(tenantID)
			if err != nil {
				return err
			}
			var remap map[string]string
			entities, remap = snapshot.MergeEntities(current.Entities, snap.Entities)
			links = snapshot.MergeLinks(current.Links, snapshot.RemapLinks(snap.Links, remap))
			decisions = snapshot.MergeDecisions(current.Decisions, snap.Decisions)
		}

		// Rewrite the tenant's state wholesale; both modes converge on
		// a full reload so the result is independent of prior layout
		if err := db.Where("tenant_id = ?", tenantID).Delete(&database.AttentionLink{}).Error; err != nil {
			return fmt.Errorf("failed to clear links: %w", err)
		}
		if err := db.Where("tenant_id = ?", tenantID).Delete(&database.Entity{}).Error; err != nil {
			return fmt.Errorf("failed to clear entities: %w", err)
		}
		if err := db.Where("tenant_id = ?", tenantID).Delete(&database.Decision{}).Error; err != nil {
			return fmt.Errorf("failed to clear decisions: %w", err)
		}

		for i := range entities {
			entities[i].TenantID = tenantID
		}
		for i := range links {
			links[i].TenantID = tenantID
			links[i].ID = 0
			links[i].EntityA, links[i].EntityB = database.CanonicalPair(links[i].EntityA, links[i].EntityB)
		}
		for i := range decisions {
			decisions[i].TenantID = tenantID
		}

		if len(entities) > 0 {
			if err := db.CreateInBatches(entities, 200).Error; err != nil {
				return fmt.Errorf("failed to import entities: %w", err)
			}
		}
		if len(links) > 0 {
			if err := db.CreateInBatches(links, 200).Error; err != nil {
				return fmt.Errorf("failed to import links: %w", err)
			}
		}
		if len(decisions) > 0 {
			if err := db.CreateInBatches(decisions, 200).Error; err != nil {
				return fmt.Errorf("failed to import decisions: %w", err)
			}
		}

		s.invalidateTenant(ctx, tenantID)
		return nil
	})
}
