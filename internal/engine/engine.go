// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package engine is the boundary surface of the memory system. It wires
// extraction, the graph store, the cache tier, and the sync hub into the
// learn/recall operations callers actually use.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramd/engram/internal/cache"
	"github.com/engramd/engram/internal/extract"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/hub"
	"github.com/engramd/engram/internal/logger"
	"github.com/engramd/engram/internal/snapshot"
)

// Engine coordinates the full pipeline for a single server instance.
// All persisted state lives behind the graph store; the engine never
// touches the database directly.
type Engine struct {
	instanceID string
	store      *graph.Store
	cache      cache.Backend
	hub        *hub.Hub
	cacheTTL   time.Duration
	log        *logger.Logger
}

// New builds an engine. instanceID identifies this server in sync
// broadcasts so peers can filter their own echoes.
func New(instanceID string, store *graph.Store, backend cache.Backend, h *hub.Hub, cacheTTL time.Duration, log *logger.Logger) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Engine{
		instanceID: instanceID,
		store:      store,
		cache:      backend,
		hub:        h,
		cacheTTL:   cacheTTL,
		log:        log,
	}
}

// InstanceID returns the identity this engine stamps on outgoing events.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Store exposes the underlying graph store for maintenance jobs.
func (e *Engine) Store() *graph.Store {
	return e.store
}

// LearnResult summarizes what a single conversation turn contributed.
type LearnResult struct {
	ConceptsExtracted int `json:"concepts_extracted"`
	DecisionsDetected int `json:"decisions_detected"`
	LinksCreated      int `json:"links_created"`
	LinksReinforced   int `json:"links_reinforced"`
}

// Learn runs the extraction pipeline over a conversation turn and
// persists the findings. A turn that yields nothing is a successful
// no-op: no write, no broadcast. A mutating turn broadcasts exactly one
// MEMORY_ADDED event, plus CONCEPT_LEARNED and DECISION_MADE when new
// entities or decisions were produced.
func (e *Engine) Learn(ctx context.Context, tenantID string, turn extract.Turn) (*LearnResult, error) {
	extracted := extract.FromTurn(turn)
	if extracted.Empty() {
		return &LearnResult{}, nil
	}

	mutation, err := e.store.ApplyExtraction(ctx, tenantID, extracted)
	if err != nil {
		return nil, err
	}

	result := &LearnResult{
		ConceptsExtracted: mutation.ConceptsExtracted,
		DecisionsDetected: mutation.DecisionsDetected,
		LinksCreated:      mutation.LinksCreated,
		LinksReinforced:   mutation.LinksReinforced,
	}

	e.broadcast(tenantID, hub.EventMemoryAdded, map[string]any{
		"concepts_extracted": result.ConceptsExtracted,
		"decisions_detected": result.DecisionsDetected,
		"links_created":      result.LinksCreated,
		"links_reinforced":   result.LinksReinforced,
	})
	if mutation.EntitiesCreated > 0 {
		e.broadcast(tenantID, hub.EventConceptLearned, map[string]any{
			"entities_created": mutation.EntitiesCreated,
			"entity_ids":       mutation.EntityIDs,
		})
	}
	if mutation.DecisionsDetected > 0 {
		e.broadcast(tenantID, hub.EventDecisionMade, map[string]any{
			"decisions_detected": mutation.DecisionsDetected,
		})
	}

	return result, nil
}

// RecallConcept is one ranked hit in a recall response.
type RecallConcept struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// RecallRelationship is a link between two recalled concepts, reported
// with its decayed effective weight at query time.
type RecallRelationship struct {
	EntityA string  `json:"entity_a"`
	EntityB string  `json:"entity_b"`
	Weight  float64 `json:"weight"`
}

// RecallResult is the assembled answer to a recall query.
type RecallResult struct {
	ContextString      string               `json:"context_string"`
	Concepts           []RecallConcept      `json:"concepts"`
	Relationships      []RecallRelationship `json:"relationships"`
	ConceptsFound      int                  `json:"concepts_found"`
	RelationshipsFound int                  `json:"relationships_found"`
	CacheHit           bool                 `json:"cache_hit"`
	QueryTimeMs        int64                `json:"query_time_ms"`
}

// recallPayload is the cacheable portion of a recall result. Timing and
// cache-hit flags are per-request and never cached.
type recallPayload struct {
	ContextString string               `json:"context_string"`
	Concepts      []RecallConcept      `json:"concepts"`
	Relationships []RecallRelationship `json:"relationships"`
}

// Recall answers a query against the tenant's graph, reading through
// the cache tier. Identical queries between writes return identical
// payloads; any write to the tenant invalidates its cached answers.
func (e *Engine) Recall(ctx context.Context, tenantID, query string, maxConcepts int) (*RecallResult, error) {
	start := time.Now()

	key := cache.SearchKey(tenantID, query, maxConcepts)
	gen := e.store.Generation(tenantID)
	if raw, ok := e.cache.Get(ctx, key); ok {
		var payload recallPayload
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			return payloadToResult(payload, true, start), nil
		}
		e.log.Warn("Discarding undecodable cache entry", "key", key)
	}

	ranked, err := e.store.Search(tenantID, query, maxConcepts)
	if err != nil {
		return nil, err
	}

	concepts := make([]RecallConcept, 0, len(ranked))
	ids := make([]string, 0, len(ranked))
	names := make(map[string]string, len(ranked))
	for _, r := range ranked {
		concepts = append(concepts, RecallConcept{
			ID:         r.Entity.ID,
			Name:       r.Entity.Name,
			Kind:       r.Entity.Kind,
			Confidence: r.Entity.Confidence,
			Score:      r.Score,
		})
		ids = append(ids, r.Entity.ID)
		names[r.Entity.ID] = r.Entity.Name
	}

	links, err := e.store.LinksAmong(tenantID, ids)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	relationships := make([]RecallRelationship, 0, len(links))
	for i := range links {
		relationships = append(relationships, RecallRelationship{
			EntityA: links[i].EntityA,
			EntityB: links[i].EntityB,
			Weight:  e.store.Params().LinkEffectiveWeight(&links[i], now),
		})
	}

	payload := recallPayload{
		ContextString: buildContextString(query, concepts, relationships, names),
		Concepts:      concepts,
		Relationships: relationships,
	}
	if encoded, err := json.Marshal(payload); err == nil {
		// Refused when a write landed mid-query; the next reader
		// recomputes against the post-write graph
		e.store.SetCached(ctx, tenantID, key, string(encoded), gen, e.cacheTTL)
	}

	return payloadToResult(payload, false, start), nil
}

func payloadToResult(payload recallPayload, cacheHit bool, start time.Time) *RecallResult {
	return &RecallResult{
		ContextString:      payload.ContextString,
		Concepts:           payload.Concepts,
		Relationships:      payload.Relationships,
		ConceptsFound:      len(payload.Concepts),
		RelationshipsFound: len(payload.Relationships),
		CacheHit:           cacheHit,
		QueryTimeMs:        time.Since(start).Milliseconds(),
	}
}

// buildContextString renders recall output as injectable prompt text.
// Names resolve through the recalled concept set only; links whose
// endpoints were truncated out of the result keep their raw IDs.
func buildContextString(query string, concepts []RecallConcept, relationships []RecallRelationship, names map[string]string) string {
	if len(concepts) == 0 {
		return fmt.Sprintf("No stored knowledge matched %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Relevant knowledge for %q:\n", query)
	for _, c := range concepts {
		fmt.Fprintf(&b, "- %s (%s, relevance %.2f)\n", c.Name, c.Kind, c.Score)
	}
	if len(relationships) > 0 {
		b.WriteString("Relationships:\n")
		for _, rel := range relationships {
			a, b2 := rel.EntityA, rel.EntityB
			if name, ok := names[a]; ok {
				a = name
			}
			if name, ok := names[b2]; ok {
				b2 = name
			}
			fmt.Fprintf(&b, "- %s <-> %s (strength %.2f)\n", a, b2, rel.Weight)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatsResult combines graph counts with cache tier health for one
// tenant.
type StatsResult struct {
	TenantID      string      `json:"tenant_id"`
	EntityCount   int64       `json:"entity_count"`
	LinkCount     int64       `json:"link_count"`
	DecisionCount int64       `json:"decision_count"`
	Cache         cache.Stats `json:"cache"`
	Connections   []string    `json:"connections"`
}

// Stats reports tenant graph counts, cache backend state, and live sync
// connections. The graph counts read through the cache tier; backend
// state and the connection list are always live.
func (e *Engine) Stats(ctx context.Context, tenantID string) (*StatsResult, error) {
	counts, err := e.tenantCounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &StatsResult{
		TenantID:      tenantID,
		EntityCount:   counts.EntityCount,
		LinkCount:     counts.LinkCount,
		DecisionCount: counts.DecisionCount,
		Cache:         e.cache.Stats(ctx),
		Connections:   e.hub.Connections(tenantID),
	}, nil
}

func (e *Engine) tenantCounts(ctx context.Context, tenantID string) (*graph.TenantStats, error) {
	key := cache.StatsKey(tenantID)
	gen := e.store.Generation(tenantID)
	if raw, ok := e.cache.Get(ctx, key); ok {
		var counts graph.TenantStats
		if err := json.Unmarshal([]byte(raw), &counts); err == nil {
			return &counts, nil
		}
		e.log.Warn("Discarding undecodable cache entry", "key", key)
	}

	counts, err := e.store.Stats(tenantID)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(counts); err == nil {
		e.store.SetCached(ctx, tenantID, key, string(encoded), gen, e.cacheTTL)
	}
	return counts, nil
}

// ExportTenant produces a portable snapshot of a tenant's graph.
func (e *Engine) ExportTenant(tenantID string) (*snapshot.Snapshot, error) {
	return e.store.Export(tenantID)
}

// ImportTenant loads a snapshot into a tenant. Replace mode discards
// existing state; merge mode unions the snapshot with current state
// deterministically.
func (e *Engine) ImportTenant(ctx context.Context, tenantID string, snap *snapshot.Snapshot, mode snapshot.ImportMode) error {
	return e.store.Import(ctx, tenantID, snap, mode)
}

// SnapshotFunc adapts the engine for hub sync requests. The returned
// function answers SYNC_REQUEST events with a full graph snapshot for
// the requesting tenant.
func (e *Engine) SnapshotFunc() hub.SnapshotFunc {
	return func(tenantID string) (map[string]interface{}, error) {
		snap, err := e.store.Export(tenantID)
		if err != nil {
			return nil, err
		}
		entities, links, decisions := snap.Counts()
		return map[string]interface{}{
			"snapshot":       snap,
			"entity_count":   entities,
			"link_count":     links,
			"decision_count": decisions,
		}, nil
	}
}

func (e *Engine) broadcast(tenantID string, kind hub.EventKind, data map[string]any) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(hub.NewEvent(kind, tenantID, e.instanceID, data))
}
