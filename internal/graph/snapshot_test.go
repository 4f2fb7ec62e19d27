// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engram/internal/database"
	"github.com/engramd/engram/internal/snapshot"
)

func seedTenant(t *testing.T, store *Store, tenantID string) {
	t.Helper()
	ctx := context.Background()

	a, err := store.UpsertEntity(ctx, tenantID, "Redis", database.KindTool)
	require.NoError(t, err)
	b, err := store.UpsertEntity(ctx, tenantID, "caching", database.KindConcept)
	require.NoError(t, err)
	_, err = store.ReinforceLink(ctx, tenantID, a.ID, b.ID)
	require.NoError(t, err)
	_, err = store.RecordDecision(ctx, tenantID, "use Redis", "", "latency")
	require.NoError(t, err)
}

func TestExportCapturesFullState(t *testing.T) {
	store := newTestStore(t)
	seedTenant(t, store, "acme")

	snap, err := store.Export("acme")
	require.NoError(t, err)

	assert.Equal(t, "acme", snap.TenantID)
	assert.False(t, snap.ExportedAt.IsZero())
	entities, links, decisions := snap.Counts()
	assert.Equal(t, 2, entities)
	assert.Equal(t, 1, links)
	assert.Equal(t, 1, decisions)
}

func TestImportReplaceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, store, "acme")

	snap, err := store.Export("acme")
	require.NoError(t, err)

	require.NoError(t, store.Import(ctx, "globex", snap, snapshot.ModeReplace))

	src, err := store.Stats("acme")
	require.NoError(t, err)
	dst, err := store.Stats("globex")
	require.NoError(t, err)
	assert.Equal(t, src, dst)

	// Imported state is queryable under the target tenant
	ranked, err := store.Search("globex", "redis", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, ranked)
}

func TestImportReplaceDropsExistingState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedTenant(t, store, "acme")
	_, err := store.UpsertEntity(ctx, "globex", "legacy thing", database.KindConcept)
	require.NoError(t, err)

	snap, err := store.Export("acme")
	require.NoError(t, err)
	require.NoError(t, store.Import(ctx, "globex", snap, snapshot.ModeReplace))

	ranked, err := store.Search("globex", "legacy", 5)
	require.NoError(t, err)
	assert.Empty(t, ranked, "replace mode discards prior state")
}

func TestImportReplaceIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, store, "acme")

	snap, err := store.Export("acme")
	require.NoError(t, err)

	require.NoError(t, store.Import(ctx, "globex", snap, snapshot.ModeReplace))
	first, err := store.Stats("globex")
	require.NoError(t, err)

	require.NoError(t, store.Import(ctx, "globex", snap, snapshot.ModeReplace))
	second, err := store.Stats("globex")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestImportMergeRemapsEntityIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Both deployments know "Redis" under independently generated ids
	seedTenant(t, store, "acme")
	seedTenant(t, store, "globex")

	snap, err := store.Export("acme")
	require.NoError(t, err)
	require.NoError(t, store.Import(ctx, "globex", snap, snapshot.ModeMerge))

	stats, err := store.Stats("globex")
	require.NoError(t, err)
	// The same logical entities collapse rather than duplicate
	assert.Equal(t, int64(2), stats.EntityCount)
	assert.Equal(t, int64(1), stats.LinkCount)
	// Decisions carry distinct ids on each side and union
	assert.Equal(t, int64(2), stats.DecisionCount)

	// Every link endpoint resolves to a stored entity
	merged, err := store.Export("globex")
	require.NoError(t, err)
	ids := make(map[string]bool, len(merged.Entities))
	for _, e := range merged.Entities {
		ids[e.ID] = true
	}
	for _, link := range merged.Links {
		assert.True(t, ids[link.EntityA])
		assert.True(t, ids[link.EntityB])
	}
}

func TestImportMergeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, store, "acme")

	snap, err := store.Export("acme")
	require.NoError(t, err)

	require.NoError(t, store.Import(ctx, "globex", snap, snapshot.ModeMerge))
	first, err := store.Stats("globex")
	require.NoError(t, err)

	require.NoError(t, store.Import(ctx, "globex", snap, snapshot.ModeMerge))
	second, err := store.Stats("globex")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestImportRejectsBadWeight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := &snapshot.Snapshot{
		TenantID: "acme",
		Links: []database.AttentionLink{
			{EntityA: "a", EntityB: "b", Weight: 1.5},
		},
	}
	err := store.Import(ctx, "acme", snap, snapshot.ModeReplace)
	assert.True(t, IsValidation(err))

	// Validation happens before any mutation
	stats, err := store.Stats("acme")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.LinkCount)
}

func TestImportRejectsUnknownMode(t *testing.T) {
	store := newTestStore(t)

	err := store.Import(context.Background(), "acme", &snapshot.Snapshot{}, "append")
	assert.True(t, IsValidation(err))
}
