// Package graph maintains the per-tenant term index and weighted edge set
// that power recall expansion: memories are projected into relation-typed
// features, co-occurrence accumulates bidirectional edges, and recall pulls
// in decay-weighted neighbors of the base result.
package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Relation types a term or an edge by how the feature was derived.
type Relation string

const (
	RelationKeyword   Relation = "keyword"
	RelationPhrase    Relation = "phrase"
	RelationTemporal  Relation = "temporal"
	RelationReference Relation = "reference"
)

// Relations lists all relation types in extraction order.
var Relations = []Relation{RelationKeyword, RelationPhrase, RelationTemporal, RelationReference}

// DefaultRelationWeights is the built-in per-relation edge multiplier.
var DefaultRelationWeights = map[Relation]float64{
	RelationKeyword:   1.0,
	RelationPhrase:    1.4,
	RelationTemporal:  1.2,
	RelationReference: 1.6,
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "was": true,
	"with": true,
}

var temporalMarkers = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"daily": true, "weekly": true, "monthly": true, "hourly": true,
	"minute": true, "minutes": true, "hour": true, "hours": true,
	"day": true, "days": true,
}

var (
	tokenRe    = regexp.MustCompile(`[A-Za-z0-9#_-]+`)
	durationRe = regexp.MustCompile(`\b(\d+)\s*(minute|minutes|hour|hours|day|days)\b`)
	digitsRe   = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizeRelationWeights merges overrides into the defaults. Unknown keys
// are rejected; values clamp to >= 0.
func NormalizeRelationWeights(overrides map[Relation]float64) (map[Relation]float64, error) {
	weights := make(map[Relation]float64, len(DefaultRelationWeights))
	for rel, w := range DefaultRelationWeights {
		weights[rel] = w
	}
	for rel, w := range overrides {
		key := Relation(strings.ToLower(strings.TrimSpace(string(rel))))
		if _, ok := weights[key]; !ok {
			return nil, fmt.Errorf("graph: unsupported relation weight key %q", rel)
		}
		weights[key] = math.Max(0, w)
	}
	return weights, nil
}

// ParseRelationWeightsJSON decodes a relation-weight override document, e.g.
// {"keyword": 1.5}. Empty input yields nil overrides.
func ParseRelationWeightsJSON(raw string) (map[Relation]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var payload map[string]float64
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("graph: parse relation weights: %w", err)
	}
	parsed := make(map[Relation]float64, len(payload))
	for k, v := range payload {
		parsed[Relation(k)] = v
	}
	return parsed, nil
}

// ExtractFeatures projects text into its relation-typed term sets. Relations
// with no terms are omitted; terms within a relation are sorted for
// deterministic iteration.
func ExtractFeatures(text string) map[Relation][]string {
	rawTokens := tokenRe.FindAllString(strings.ToLower(text), -1)

	var keywords []string
	for _, tok := range rawTokens {
		if len(tok) >= 3 && !stopwords[tok] && !digitsRe.MatchString(tok) {
			keywords = append(keywords, tok)
		}
	}

	keywordSet := make(map[string]bool)
	for _, k := range keywords {
		keywordSet[k] = true
	}

	phraseSet := make(map[string]bool)
	for i := 0; i+1 < len(keywords); i++ {
		if keywords[i] != keywords[i+1] {
			phraseSet[keywords[i]+"_"+keywords[i+1]] = true
		}
	}

	temporalSet := make(map[string]bool)
	for _, tok := range rawTokens {
		if temporalMarkers[tok] {
			temporalSet[tok] = true
		}
	}
	for _, m := range durationRe.FindAllStringSubmatch(strings.ToLower(text), -1) {
		temporalSet[m[1]+"_"+m[2]] = true
	}

	referenceSet := make(map[string]bool)
	for _, tok := range rawTokens {
		if len(tok) >= 3 && mixesLettersAndDigits(tok) {
			referenceSet[tok] = true
		}
	}

	features := make(map[Relation][]string)
	for rel, set := range map[Relation]map[string]bool{
		RelationKeyword:   keywordSet,
		RelationPhrase:    phraseSet,
		RelationTemporal:  temporalSet,
		RelationReference: referenceSet,
	} {
		if len(set) == 0 {
			continue
		}
		terms := make([]string, 0, len(set))
		for t := range set {
			terms = append(terms, t)
		}
		sort.Strings(terms)
		features[rel] = terms
	}
	return features
}

func mixesLettersAndDigits(tok string) bool {
	hasLetter, hasDigit := false, false
	for _, r := range tok {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

// termKey builds the stored index key for a relation-typed term.
func termKey(rel Relation, term string) string {
	return string(rel) + ":" + term
}

// decayMultiplier halves an edge's contribution every halfLifeHours.
func decayMultiplier(updatedAt, now time.Time, halfLifeHours float64) float64 {
	if halfLifeHours <= 0 {
		return 1.0
	}
	ageHours := math.Max(0, now.Sub(updatedAt).Hours())
	return math.Pow(0.5, ageHours/halfLifeHours)
}

// rankScores orders candidate ids by descending score, tie-broken by id for
// determinism, and truncates to limit.
func rankScores(scores map[string]float64, limit int) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}
