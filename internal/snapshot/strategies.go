// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package snapshot

import (
	"github.com/engramd/engram/internal/database"
)

// MergeEntities unions two entity sets keyed by (normalized name, kind).
// On conflict, metadata is last-write-wins by last_touched_at and
// touch_count takes the maximum. The same logical entity can carry
// different ids on the two sides (independent deployments generate
// their own); the returned remap maps every losing id onto the
// surviving one so link endpoints can be rewritten.
func MergeEntities(ours, theirs []database.Entity) ([]database.Entity, map[string]string) {
	merged := make(map[string]database.Entity, len(ours)+len(theirs))
	order := make([]string, 0, len(ours)+len(theirs))
	remap := make(map[string]string)

	add := func(entity database.Entity) {
		key := entity.NormalizedName + "|" + entity.Kind
		existing, ok := merged[key]
		if !ok {
			merged[key] = entity
			order = append(order, key)
			return
		}
		winner := mergeEntityPair(existing, entity)
		merged[key] = winner
		if existing.ID != winner.ID {
			remap[existing.ID] = winner.ID
		}
		if entity.ID != winner.ID {
			remap[entity.ID] = winner.ID
		}
	}

	for _, e := range ours {
		add(e)
	}
	for _, e := range theirs {
		add(e)
	}

	result := make([]database.Entity, 0, len(order))
	for _, key := range order {
		result = append(result, merged[key])
	}
	return result, remap
}

// RemapLinks rewrites link endpoints through the entity id remap and
// re-canonicalizes the pair ordering
func RemapLinks(links []database.AttentionLink, remap map[string]string) []database.AttentionLink {
	if len(remap) == 0 {
		return links
	}
	out := make([]database.AttentionLink, 0, len(links))
	for _, link := range links {
		if id, ok := remap[link.EntityA]; ok {
			link.EntityA = id
		}
		if id, ok := remap[link.EntityB]; ok {
			link.EntityB = id
		}
		if link.EntityA == link.EntityB {
			// Both endpoints collapsed onto one entity
			continue
		}
		link.EntityA, link.EntityB = database.CanonicalPair(link.EntityA, link.EntityB)
		out = append(out, link)
	}
	return out
}

func mergeEntityPair(a, b database.Entity) database.Entity {
	winner, loser := a, b
	if b.LastTouchedAt.After(a.LastTouchedAt) {
		winner, loser = b, a
	}

	// Keep the earliest creation and the strongest observations
	if loser.CreatedAt.Before(winner.CreatedAt) {
		winner.CreatedAt = loser.CreatedAt
	}
	if loser.TouchCount > winner.TouchCount {
		winner.TouchCount = loser.TouchCount
	}
	if loser.Confidence > winner.Confidence {
		winner.Confidence = loser.Confidence
	}
	return winner
}

// MergeLinks unions two link sets keyed by the canonical entity pair.
// On conflict weight and co_occurrences take the maximum and
// last_strengthened_at the latest, so a merged link is never weaker
// than either input.
func MergeLinks(ours, theirs []database.AttentionLink) []database.AttentionLink {
	merged := make(map[string]database.AttentionLink, len(ours)+len(theirs))
	order := make([]string, 0, len(ours)+len(theirs))

	add := func(link database.AttentionLink) {
		a, b := database.CanonicalPair(link.EntityA, link.EntityB)
		link.EntityA, link.EntityB = a, b
		key := a + "|" + b
		existing, ok := merged[key]
		if !ok {
			merged[key] = link
			order = append(order, key)
			return
		}
		merged[key] = mergeLinkPair(existing, link)
	}

	for _, l := range ours {
		add(l)
	}
	for _, l := range theirs {
		add(l)
	}

	result := make([]database.AttentionLink, 0, len(order))
	for _, key := range order {
		result = append(result, merged[key])
	}
	return result
}

func mergeLinkPair(a, b database.AttentionLink) database.AttentionLink {
	out := a
	if b.Weight > out.Weight {
		out.Weight = b.Weight
	}
	if b.CoOccurrences > out.CoOccurrences {
		out.CoOccurrences = b.CoOccurrences
	}
	if b.LastStrengthenedAt.After(out.LastStrengthenedAt) {
		out.LastStrengthenedAt = b.LastStrengthenedAt
	}
	if b.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = b.CreatedAt
	}
	return out
}

// MergeDecisions unions two decision sets. Decisions are immutable and
// append-only, so duplicates are dropped by id.
func MergeDecisions(ours, theirs []database.Decision) []database.Decision {
	seen := make(map[string]bool, len(ours)+len(theirs))
	result := make([]database.Decision, 0, len(ours)+len(theirs))

	add := func(decision database.Decision) {
		if seen[decision.ID] {
			return
		}
		seen[decision.ID] = true
		result = append(result, decision)
	}

	for _, d := range ours {
		add(d)
	}
	for _, d := range theirs {
		add(d)
	}
	return result
}
