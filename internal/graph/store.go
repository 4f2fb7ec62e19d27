// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package graph implements the tenant-scoped graph store. It owns all
// persisted entity, link and decision state; every write for a tenant
// is serialized through the tenant locker and invalidates that tenant's
// cache keys before the lock is released.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/engramd/engram/internal/attention"
	"github.com/engramd/engram/internal/cache"
	"github.com/engramd/engram/internal/database"
	"github.com/engramd/engram/internal/extract"
	"github.com/engramd/engram/internal/locking"
	"github.com/engramd/engram/internal/logger"
)

// DefaultConfidence is assigned to entities upserted without an
// extraction confidence
const DefaultConfidence = 0.5

// Store coordinates all graph reads and writes for every tenant
type Store struct {
	mgr    *database.Manager
	locker *locking.TenantLocker
	params attention.Params
	cache  cache.Backend
	log    *logger.Logger

	genMu       sync.Mutex
	generations map[string]uint64
}

// NewStore creates a graph store
func NewStore(mgr *database.Manager, locker *locking.TenantLocker, params attention.Params, cacheBackend cache.Backend, log *logger.Logger) *Store {
	return &Store{
		mgr:         mgr,
		locker:      locker,
		params:      params,
		cache:       cacheBackend,
		log:         log.With("component", "GraphStore"),
		generations: make(map[string]uint64),
	}
}

// Generation returns the tenant's write generation. It advances with
// every committed write, so a reader can detect that a write landed
// while it was computing a result and must not publish it to the cache.
func (s *Store) Generation(tenantID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[tenantID]
}

// SetCached publishes a read result computed at write generation gen.
// Refused once any later write has invalidated the tenant; otherwise a
// reader that finished its query just before a write could re-populate
// the cache after that write's flush and serve pre-write data forever.
func (s *Store) SetCached(ctx context.Context, tenantID, key, value string, gen uint64, ttl time.Duration) bool {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generations[tenantID] != gen {
		return false
	}
	s.cache.Set(ctx, key, value, ttl)
	return true
}

// Params returns the attention parameters the store applies
func (s *Store) Params() attention.Params {
	return s.params
}

// Manager exposes the underlying database manager for maintenance and
// snapshot operations
func (s *Store) Manager() *database.Manager {
	return s.mgr
}

// MutationResult summarizes what a write batch changed
type MutationResult struct {
	ConceptsExtracted int
	EntitiesCreated   int
	DecisionsDetected int
	LinksCreated      int
	LinksReinforced   int
	EntityIDs         []string
}

// UpsertEntity creates an entity on first call for a (tenant, name, kind)
// key and updates touch metadata on later calls. Idempotent.
func (s *Store) UpsertEntity(ctx context.Context, tenantID, name, kind string) (*database.Entity, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}

	var entity *database.Entity
	err := s.locker.WithLock(tenantID, func() error {
		db, err := s.mgr.Tenant(tenantID)
		if err != nil {
			return err
		}
		entity, _, err = s.upsertEntityLocked(db, tenantID, name, kind, DefaultConfidence, time.Now())
		if err != nil {
			return err
		}
		s.invalidateTenant(ctx, tenantID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// ReinforceLink applies the attention update rule to the link between
// two entities, creating the link on first co-occurrence
func (s *Store) ReinforceLink(ctx context.Context, tenantID, idA, idB string) (*database.AttentionLink, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if idA == idB {
		return nil, &ValidationError{Field: "entity ids", Message: "cannot link an entity to itself"}
	}

	var link *database.AttentionLink
	err := s.locker.WithLock(tenantID, func() error {
		db, err := s.mgr.Tenant(tenantID)
		if err != nil {
			return err
		}
		link, _, err = s.reinforceLinkLocked(db, tenantID, idA, idB, time.Now())
		if err != nil {
			return err
		}
		s.invalidateTenant(ctx, tenantID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// RecordDecision appends an immutable decision record
func (s *Store) RecordDecision(ctx context.Context, tenantID, description, contextText, rationale string) (string, error) {
	if err := validateTenant(tenantID); err != nil {
		return "", err
	}
	if description == "" {
		return "", &ValidationError{Field: "description", Message: "must not be empty"}
	}

	var id string
	err := s.locker.WithLock(tenantID, func() error {
		db, err := s.mgr.Tenant(tenantID)
		if err != nil {
			return err
		}
		id, err = s.recordDecisionLocked(db, tenantID, description, contextText, rationale, time.Now())
		if err != nil {
			return err
		}
		s.invalidateTenant(ctx, tenantID)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ApplyExtraction persists one turn's extraction result in a single
// critical section: entity upserts, link reinforcements and decision
// records all land under one lock hold, and the tenant's cache keys are
// invalidated before the lock is released
func (s *Store) ApplyExtraction(ctx context.Context, tenantID string, result extract.Result) (*MutationResult, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if result.Empty() {
		return &MutationResult{}, nil
	}

	mutation := &MutationResult{}
	err := s.locker.WithLock(tenantID, func() error {
		db, err := s.mgr.Tenant(tenantID)
		if err != nil {
			return err
		}
		now := time.Now()

		idsByName := make(map[string]string, len(result.Entities))
		for _, cand := range result.Entities {
			entity, created, err := s.upsertEntityLocked(db, tenantID, cand.Name, cand.Kind, cand.Confidence, now)
			if err != nil {
				return err
			}
			idsByName[database.NormalizeName(cand.Name)] = entity.ID
			mutation.ConceptsExtracted++
			mutation.EntityIDs = append(mutation.EntityIDs, entity.ID)
			if created {
				mutation.EntitiesCreated++
			}
		}

		for _, pair := range result.Pairs {
			idA, okA := idsByName[database.NormalizeName(pair.NameA)]
			idB, okB := idsByName[database.NormalizeName(pair.NameB)]
			if !okA || !okB || idA == idB {
				continue
			}
			_, created, err := s.reinforceLinkLocked(db, tenantID, idA, idB, now)
			if err != nil {
				return err
			}
			if created {
				mutation.LinksCreated++
			} else {
				mutation.LinksReinforced++
			}
		}

		for _, dec := range result.Decisions {
			if _, err := s.recordDecisionLocked(db, tenantID, dec.Description, dec.Context, dec.Rationale, now); err != nil {
				return err
			}
			mutation.DecisionsDetected++
		}

		s.invalidateTenant(ctx, tenantID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mutation, nil
}

// upsertEntityLocked performs the entity upsert; caller holds the tenant lock
func (s *Store) upsertEntityLocked(db *gorm.DB, tenantID, name, kind string, confidence float64, now time.Time) (*database.Entity, bool, error) {
	normalized := database.NormalizeName(name)
	if normalized == "" {
		return nil, false, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if !database.IsValidEntityKind(kind) {
		return nil, false, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown entity kind %q", kind)}
	}

	var entity database.Entity
	err := db.Where("tenant_id = ? AND normalized_name = ? AND kind = ?", tenantID, normalized, kind).
		First(&entity).Error
	if err == nil {
		updates := map[string]interface{}{
			"touch_count":     gorm.Expr("touch_count + 1"),
			"last_touched_at": now,
		}
		if confidence > entity.Confidence {
			updates["confidence"] = confidence
		}
		if err := db.Model(&entity).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("failed to touch entity: %w", err)
		}
		entity.TouchCount++
		entity.LastTouchedAt = now
		return &entity, false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, fmt.Errorf("failed to look up entity: %w", err)
	}

	entity = database.Entity{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Name:           name,
		NormalizedName: normalized,
		Kind:           kind,
		Confidence:     confidence,
		CreatedAt:      now,
		LastTouchedAt:  now,
		TouchCount:     1,
	}
	if err := db.Create(&entity).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create entity: %w", err)
	}
	return &entity, true, nil
}

// reinforceLinkLocked performs the link update; caller holds the tenant lock
func (s *Store) reinforceLinkLocked(db *gorm.DB, tenantID, idA, idB string, now time.Time) (*database.AttentionLink, bool, error) {
	for _, id := range []string{idA, idB} {
		var count int64
		if err := db.Model(&database.Entity{}).Where("tenant_id = ? AND id = ?", tenantID, id).Count(&count).Error; err != nil {
			return nil, false, fmt.Errorf("failed to check entity: %w", err)
		}
		if count == 0 {
			return nil, false, &NotFoundError{Resource: "entity", ID: id}
		}
	}

	a, b := database.CanonicalPair(idA, idB)

	var link database.AttentionLink
	err := db.Where("tenant_id = ? AND entity_a = ? AND entity_b = ?", tenantID, a, b).
		First(&link).Error
	created := false
	if err == gorm.ErrRecordNotFound {
		link = database.AttentionLink{
			TenantID:  tenantID,
			EntityA:   a,
			EntityB:   b,
			CreatedAt: now,
		}
		created = true
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to look up link: %w", err)
	}

	s.params.Reinforce(&link, now)

	if created {
		if err := db.Create(&link).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create link: %w", err)
		}
	} else {
		if err := db.Save(&link).Error; err != nil {
			return nil, false, fmt.Errorf("failed to update link: %w", err)
		}
	}
	return &link, created, nil
}

// recordDecisionLocked persists a decision; caller holds the tenant lock
func (s *Store) recordDecisionLocked(db *gorm.DB, tenantID, description, contextText, rationale string, now time.Time) (string, error) {
	decision := database.Decision{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Description: description,
		Context:     contextText,
		Rationale:   rationale,
		CreatedAt:   now,
	}
	if err := db.Create(&decision).Error; err != nil {
		return "", fmt.Errorf("failed to record decision: %w", err)
	}
	return decision.ID, nil
}

// invalidateTenant drops every cached search/stats result for the
// tenant. Runs inside the tenant's write critical section so a reader
// ordered after the write cannot see stale cached data.
// invalidateTenant runs inside the tenant's write critical section. The
// generation bump and the cache flush share genMu with SetCached, so a
// reader holding a pre-write generation either publishes before this
// flush wipes it or is refused; it can never land a stale entry after.
func (s *Store) invalidateTenant(ctx context.Context, tenantID string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[tenantID]++
	s.cache.Invalidate(ctx, cache.TenantPrefix(tenantID))
}

func validateTenant(tenantID string) error {
	if !database.IsValidTenantID(tenantID) {
		return &ValidationError{Field: "tenant_id", Message: fmt.Sprintf("malformed tenant id %q", tenantID)}
	}
	return nil
}
