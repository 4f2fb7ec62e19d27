// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/engramd/engram/internal/attention"
	"github.com/engramd/engram/internal/database"
)

// TenantStats holds a tenant's aggregate record counts
type TenantStats struct {
	EntityCount   int64 `json:"entity_count"`
	LinkCount     int64 `json:"link_count"`
	DecisionCount int64 `json:"decision_count"`
}

// Search returns entities matching the query plus their graph
// neighbors, ranked by decayed link weight. Reads take no tenant lock
// and tolerate a slightly stale snapshot mid-write.
//
// An entity's score is the highest effective weight among its links at
// read time; an unlinked match scores zero but is still returned. Ties
// break on last_touched_at descending, then entity id ascending, so the
// order is fully deterministic for identical inputs.
func (s *Store) Search(tenantID, query string, limit int) ([]attention.RankedEntity, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	tokens := strings.Fields(database.NormalizeName(query))
	if len(tokens) == 0 {
		return nil, &ValidationError{Field: "query", Message: "must not be empty"}
	}
	if limit <= 0 {
		return nil, &ValidationError{Field: "limit", Message: "must be positive"}
	}

	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	// Direct matches on any token
	tx := db.Where("tenant_id = ?", tenantID)
	cond := db.Where("normalized_name LIKE ?", "%"+tokens[0]+"%")
	for _, tok := range tokens[1:] {
		cond = cond.Or("normalized_name LIKE ?", "%"+tok+"%")
	}
	var matches []database.Entity
	if err := tx.Where(cond).Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	if len(matches) == 0 {
		return []attention.RankedEntity{}, nil
	}

	now := time.Now()
	scores := make(map[string]float64, len(matches))
	byID := make(map[string]database.Entity, len(matches))
	for _, entity := range matches {
		byID[entity.ID] = entity
		scores[entity.ID] = 0
	}

	// Gather links incident on the matches; linked neighbors join the
	// result set scored by the connecting link
	matchIDs := make([]string, 0, len(matches))
	for _, entity := range matches {
		matchIDs = append(matchIDs, entity.ID)
	}
	var links []database.AttentionLink
	if err := db.Where("tenant_id = ? AND (entity_a IN ? OR entity_b IN ?)", tenantID, matchIDs, matchIDs).
		Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}

	neighborIDs := make([]string, 0)
	for _, link := range links {
		effective := s.params.LinkEffectiveWeight(&link, now)
		for _, id := range []string{link.EntityA, link.EntityB} {
			if current, ok := scores[id]; !ok || effective > current {
				scores[id] = effective
			}
			if _, ok := byID[id]; !ok {
				neighborIDs = append(neighborIDs, id)
			}
		}
	}

	if len(neighborIDs) > 0 {
		var neighbors []database.Entity
		if err := db.Where("tenant_id = ? AND id IN ?", tenantID, neighborIDs).Find(&neighbors).Error; err != nil {
			return nil, fmt.Errorf("failed to load neighbors: %w", err)
		}
		for _, entity := range neighbors {
			byID[entity.ID] = entity
		}
	}

	ranked := make([]attention.RankedEntity, 0, len(byID))
	for id, entity := range byID {
		ranked = append(ranked, attention.RankedEntity{Entity: entity, Score: scores[id]})
	}
	attention.Rank(ranked)

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// LinksAmong returns the links whose both endpoints are in the given id set
func (s *Store) LinksAmong(tenantID string, entityIDs []string) ([]database.AttentionLink, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}

	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	var links []database.AttentionLink
	if err := db.Where("tenant_id = ? AND entity_a IN ? AND entity_b IN ?", tenantID, entityIDs, entityIDs).
		Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}
	return links, nil
}

// Stats returns the tenant's aggregate record counts
func (s *Store) Stats(tenantID string) (*TenantStats, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}

	db, err := s.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	stats := &TenantStats{}
	if err := db.Model(&database.Entity{}).Where("tenant_id = ?", tenantID).Count(&stats.EntityCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	if err := db.Model(&database.AttentionLink{}).Where("tenant_id = ?", tenantID).Count(&stats.LinkCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count links: %w", err)
	}
	if err := db.Model(&database.Decision{}).Where("tenant_id = ?", tenantID).Count(&stats.DecisionCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	return stats, nil
}

// Prune physically deletes links whose effective weight has decayed
// below the prune epsilon. Maintenance only, not part of the read/write
// contract; runs under the tenant write lock.
func (s *Store) Prune(ctx context.Context, tenantID string) (int64, error) {
	if err := validateTenant(tenantID); err != nil {
		return 0, err
	}

	var pruned int64
	err := s.locker.WithLock(tenantID, func() error {
		db, err := s.mgr.Tenant(tenantID)
		if err != nil {
			return err
		}

		now := time.Now()
		var links []database.AttentionLink
		if err := db.Where("tenant_id = ?", tenantID).Find(&links).Error; err != nil {
			return fmt.Errorf("failed to load links: %w", err)
		}

		var doomed []uint
		for _, link := range links {
			if s.params.Prunable(&link, now) {
				doomed = append(doomed, link.ID)
			}
		}
		if len(doomed) == 0 {
			return nil
		}

		result := db.Where("id IN ?", doomed).Delete(&database.AttentionLink{})
		if result.Error != nil {
			return fmt.Errorf("failed to prune links: %w", result.Error)
		}
		pruned = result.RowsAffected
		s.invalidateTenant(ctx, tenantID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}
