// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engram/internal/database"
)

func TestMergeEntitiesUnionsDistinct(t *testing.T) {
	now := time.Now()
	ours := []database.Entity{
		{ID: "a1", NormalizedName: "redis", Kind: database.KindTool, LastTouchedAt: now},
	}
	theirs := []database.Entity{
		{ID: "b1", NormalizedName: "kafka", Kind: database.KindTool, LastTouchedAt: now},
	}

	merged, remap := MergeEntities(ours, theirs)
	assert.Len(t, merged, 2)
	assert.Empty(t, remap)
}

func TestMergeEntitiesConflictLastWriteWins(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)

	ours := []database.Entity{
		{ID: "a1", Name: "Redis", NormalizedName: "redis", Kind: database.KindTool,
			Confidence: 0.9, CreatedAt: early, LastTouchedAt: early, TouchCount: 10},
	}
	theirs := []database.Entity{
		{ID: "b1", Name: "redis", NormalizedName: "redis", Kind: database.KindTool,
			Confidence: 0.6, CreatedAt: late, LastTouchedAt: late, TouchCount: 4},
	}

	merged, remap := MergeEntities(ours, theirs)
	require.Len(t, merged, 1)

	winner := merged[0]
	// The more recently touched side wins identity
	assert.Equal(t, "b1", winner.ID)
	// But keeps the earliest creation and strongest observations
	assert.Equal(t, early, winner.CreatedAt)
	assert.Equal(t, int64(10), winner.TouchCount)
	assert.Equal(t, 0.9, winner.Confidence)

	// The losing id maps onto the survivor
	assert.Equal(t, map[string]string{"a1": "b1"}, remap)
}

func TestMergeEntitiesDeterministic(t *testing.T) {
	now := time.Now()
	ours := []database.Entity{
		{ID: "a1", NormalizedName: "redis", Kind: database.KindTool, LastTouchedAt: now},
		{ID: "a2", NormalizedName: "kafka", Kind: database.KindTool, LastTouchedAt: now},
	}
	theirs := []database.Entity{
		{ID: "b1", NormalizedName: "redis", Kind: database.KindTool, LastTouchedAt: now.Add(time.Hour)},
	}

	first, _ := MergeEntities(ours, theirs)
	second, _ := MergeEntities(ours, theirs)
	assert.Equal(t, first, second, "merging the same inputs twice yields identical output")
}

func TestRemapLinksRewritesEndpoints(t *testing.T) {
	links := []database.AttentionLink{
		{EntityA: "a1", EntityB: "x9", Weight: 0.5},
	}
	remap := map[string]string{"a1": "b1"}

	out := RemapLinks(links, remap)
	require.Len(t, out, 1)

	// Endpoints are remapped and re-canonicalized
	a, b := database.CanonicalPair("b1", "x9")
	assert.Equal(t, a, out[0].EntityA)
	assert.Equal(t, b, out[0].EntityB)
}

func TestRemapLinksDropsCollapsedPairs(t *testing.T) {
	links := []database.AttentionLink{
		{EntityA: "a1", EntityB: "a2", Weight: 0.5},
	}
	// Both endpoints collapse onto the same surviving entity
	out := RemapLinks(links, map[string]string{"a1": "w", "a2": "w"})
	assert.Empty(t, out)
}

func TestMergeLinksNeverWeakens(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	ours := []database.AttentionLink{
		{EntityA: "e1", EntityB: "e2", Weight: 0.5, CoOccurrences: 5, CreatedAt: early, LastStrengthenedAt: early},
	}
	theirs := []database.AttentionLink{
		// Same pair in reversed order still collides
		{EntityA: "e2", EntityB: "e1", Weight: 0.3, CoOccurrences: 8, CreatedAt: late, LastStrengthenedAt: late},
	}

	merged := MergeLinks(ours, theirs)
	require.Len(t, merged, 1)

	link := merged[0]
	assert.Equal(t, 0.5, link.Weight)
	assert.Equal(t, int64(8), link.CoOccurrences)
	assert.Equal(t, late, link.LastStrengthenedAt)
	assert.Equal(t, early, link.CreatedAt)
}

func TestMergeDecisionsDropsDuplicates(t *testing.T) {
	ours := []database.Decision{{ID: "d1", Description: "one"}}
	theirs := []database.Decision{
		{ID: "d1", Description: "one"},
		{ID: "d2", Description: "two"},
	}

	merged := MergeDecisions(ours, theirs)
	require.Len(t, merged, 2)
	assert.Equal(t, "d1", merged[0].ID)
	assert.Equal(t, "d2", merged[1].ID)
}
