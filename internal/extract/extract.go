// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package extract turns raw conversational turns into candidate
// entities, decisions and co-occurrence pairs using lightweight lexical
// heuristics. It never touches storage.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/engramd/engram/internal/database"
)

// Turn is one ephemeral conversational exchange. It is never persisted;
// only its extracted derivatives are.
type Turn struct {
	UserMessage string            `json:"user_message"`
	AIResponse  string            `json:"ai_response"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Entity is a candidate entity found in a turn
type Entity struct {
	Name       string
	Kind       string
	Confidence float64
}

// Decision is a candidate decision found in a turn
type Decision struct {
	Description string
	Context     string
	Rationale   string
}

// Pair is an undirected co-occurrence of two entity names within a turn
type Pair struct {
	NameA string
	NameB string
}

// Result is the output of extraction over one turn
type Result struct {
	Entities  []Entity
	Decisions []Decision
	Pairs     []Pair
}

// Empty reports whether extraction found nothing
func (r Result) Empty() bool {
	return len(r.Entities) == 0 && len(r.Decisions) == 0
}

// Extraction confidences per heuristic
const (
	confidenceQuoted      = 0.9
	confidenceCue         = 0.8
	confidenceCapitalized = 0.6
)

var (
	quotedPattern    = regexp.MustCompile("[\"'`]([^\"'`]{2,64})[\"'`]")
	decisionPattern  = regexp.MustCompile(`(?i)\b(?:decided to|decision:|we will|we'll|chose to|going with|settled on|agreed to)\s+([^.!?\n]+)`)
	rationalePattern = regexp.MustCompile(`(?i)\bbecause\s+([^.!?\n]+)`)
	toolCuePattern   = regexp.MustCompile(`(?i)\b(?:use|using|adopt|adopting|switch to|migrate to)\s+(?:the\s+)?([A-Z][A-Za-z0-9._-]{1,40})`)
	capitalizedWord  = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]{1,40}\b`)
)

// Words that look like entities only because English capitalizes them
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "but": true, "i": true, "if": true,
	"in": true, "is": true, "it": true, "its": true, "let": true, "lets": true,
	"my": true, "no": true, "not": true, "noted": true, "of": true, "ok": true,
	"okay": true, "on": true, "or": true, "our": true, "so": true, "sure": true,
	"that": true, "the": true, "then": true, "this": true, "to": true,
	"we": true, "what": true, "when": true, "which": true, "why": true,
	"will": true, "yes": true, "you": true, "your": true,
}

// FromTurn applies the extraction heuristics to both sides of a turn.
// Empty or whitespace-only input yields an empty result, not an error.
func FromTurn(turn Turn) Result {
	user := strings.TrimSpace(turn.UserMessage)
	ai := strings.TrimSpace(turn.AIResponse)
	if user == "" && ai == "" {
		return Result{}
	}

	acc := newAccumulator()
	for _, text := range []string{user, ai} {
		if text == "" {
			continue
		}
		extractQuoted(text, acc)
		extractToolCues(text, acc)
		extractCapitalized(text, acc)
		extractDecisions(text, acc)
	}

	return acc.result()
}

// accumulator deduplicates extracted names case-insensitively within a turn
type accumulator struct {
	entities  map[string]Entity // keyed by normalized name
	order     []string
	decisions []Decision
}

func newAccumulator() *accumulator {
	return &accumulator{entities: make(map[string]Entity)}
}

func (a *accumulator) add(name, kind string, confidence float64) {
	name = strings.TrimSpace(name)
	key := database.NormalizeName(name)
	if key == "" || stopwords[key] {
		return
	}

	existing, ok := a.entities[key]
	if !ok {
		a.entities[key] = Entity{Name: name, Kind: kind, Confidence: confidence}
		a.order = append(a.order, key)
		return
	}
	// Keep the higher-confidence interpretation of a repeated name
	if confidence > existing.Confidence {
		a.entities[key] = Entity{Name: existing.Name, Kind: kind, Confidence: confidence}
	}
}

func (a *accumulator) result() Result {
	res := Result{Decisions: a.decisions}
	for _, key := range a.order {
		res.Entities = append(res.Entities, a.entities[key])
	}

	// Every pair of distinct entity names in the turn co-occurs
	keys := append([]string(nil), a.order...)
	sort.Strings(keys)
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			res.Pairs = append(res.Pairs, Pair{
				NameA: a.entities[keys[i]].Name,
				NameB: a.entities[keys[j]].Name,
			})
		}
	}
	return res
}

func extractQuoted(text string, acc *accumulator) {
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		acc.add(m[1], database.KindConcept, confidenceQuoted)
	}
}

func extractToolCues(text string, acc *accumulator) {
	for _, m := range toolCuePattern.FindAllStringSubmatch(text, -1) {
		acc.add(m[1], database.KindTool, confidenceCue)
	}
}

func extractCapitalized(text string, acc *accumulator) {
	for _, m := range capitalizedWord.FindAllString(text, -1) {
		acc.add(m, database.KindConcept, confidenceCapitalized)
	}
}

func extractDecisions(text string, acc *accumulator) {
	for _, m := range decisionPattern.FindAllStringSubmatch(text, -1) {
		description := strings.TrimSpace(m[1])
		if description == "" {
			continue
		}

		rationale := ""
		if r := rationalePattern.FindStringSubmatch(description); r != nil {
			rationale = strings.TrimSpace(r[1])
			description = strings.TrimSpace(strings.Split(description, r[0])[0])
			description = strings.TrimRight(description, ", ")
		}
		if description == "" {
			continue
		}

		acc.decisions = append(acc.decisions, Decision{
			Description: description,
			Context:     text,
			Rationale:   rationale,
		})

		// The object of the decision cue is itself an entity
		if obj := firstCapitalizedToken(description); obj != "" {
			acc.add(obj, database.KindTool, confidenceCue)
		}
	}
}

func firstCapitalizedToken(text string) string {
	m := capitalizedWord.FindString(text)
	if m == "" {
		return ""
	}
	if stopwords[strings.ToLower(m)] {
		return ""
	}
	return m
}
