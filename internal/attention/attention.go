// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package attention implements the Hebbian reinforcement and lazy decay
// rule applied to attention links, plus the deterministic ranking used
// by search.
package attention

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/engramd/engram/internal/database"
)

// Params holds the tunable constants of the attention rule
type Params struct {
	LearningRate float64 // in (0,1)
	DecayRate    float64 // per second, non-negative
	PruneEpsilon float64 // links below this effective weight may be reaped
}

// DefaultParams returns the default attention parameters
func DefaultParams() Params {
	return Params{
		LearningRate: 0.2,
		DecayRate:    0.000001,
		PruneEpsilon: 0.01,
	}
}

// Validate checks the parameters are usable
func (p Params) Validate() error {
	if p.LearningRate <= 0 || p.LearningRate >= 1 {
		return fmt.Errorf("learning rate must be in (0,1), got %f", p.LearningRate)
	}
	if p.DecayRate < 0 {
		return fmt.Errorf("decay rate must be non-negative, got %f", p.DecayRate)
	}
	if p.PruneEpsilon < 0 || p.PruneEpsilon >= 1 {
		return fmt.Errorf("prune epsilon must be in [0,1), got %f", p.PruneEpsilon)
	}
	return nil
}

// Reinforce applies the Hebbian update to a link in place:
//
//	weight' = weight + learning_rate * (1 - weight)
//
// The increment has diminishing returns, asymptotically approaches 1 and
// is monotone non-decreasing under repeated reinforcement.
func (p Params) Reinforce(link *database.AttentionLink, now time.Time) {
	checkWeight(link.Weight)

	link.Weight = link.Weight + p.LearningRate*(1-link.Weight)
	if link.Weight > 1 {
		// Guard against float rounding at the asymptote
		link.Weight = 1
	}
	link.CoOccurrences++
	link.LastStrengthenedAt = now

	checkWeight(link.Weight)
}

// EffectiveWeight computes the lazily decayed weight of a link at the
// given instant:
//
//	weight_effective = weight * exp(-decay_rate * elapsed_seconds)
//
// Decay is monotonically non-increasing in elapsed time for a fixed weight.
func (p Params) EffectiveWeight(weight float64, lastStrengthened, now time.Time) float64 {
	checkWeight(weight)

	elapsed := now.Sub(lastStrengthened).Seconds()
	if elapsed <= 0 {
		return weight
	}
	return weight * math.Exp(-p.DecayRate*elapsed)
}

// LinkEffectiveWeight is EffectiveWeight applied to a stored link
func (p Params) LinkEffectiveWeight(link *database.AttentionLink, now time.Time) float64 {
	return p.EffectiveWeight(link.Weight, link.LastStrengthenedAt, now)
}

// Prunable reports whether a link has decayed below the prune epsilon
func (p Params) Prunable(link *database.AttentionLink, now time.Time) bool {
	return p.LinkEffectiveWeight(link, now) < p.PruneEpsilon
}

// checkWeight panics on a weight outside [0,1]. Weights come only from
// the reinforcement rule, so an out-of-range value is a programming
// error, not bad input.
func checkWeight(weight float64) {
	if weight < 0 || weight > 1 || math.IsNaN(weight) {
		panic(fmt.Sprintf("attention: link weight %f outside [0,1]", weight))
	}
}

// RankedEntity pairs an entity with its retrieval score
type RankedEntity struct {
	Entity database.Entity
	Score  float64
}

// Rank sorts ranked entities into the deterministic retrieval order:
// score (effective weight) descending, then last_touched_at descending,
// then entity id ascending
func Rank(entities []RankedEntity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Score != entities[j].Score {
			return entities[i].Score > entities[j].Score
		}
		ti, tj := entities[i].Entity.LastTouchedAt, entities[j].Entity.LastTouchedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entities[i].Entity.ID < entities[j].Entity.ID
	})
}
