// Package scoring holds the ranking primitives shared by the repository,
// the graph expander and the compaction workflow: token estimation, trust
// weighting, salience/confidence inference and negation detection.
package scoring

import (
	"math"
	"regexp"
	"strings"

	"github.com/hookdump/Brainstem/internal/model"
)

var wordRe = regexp.MustCompile(`\w+`)

// importanceTokens raise inferred salience; each matching token counts once
// per text regardless of repetition.
var importanceTokens = []string{
	"must", "required", "deadline", "blocked", "constraint",
	"critical", "policy", "security", "cannot",
}

// uncertaintyTokens lower inferred confidence, same once-per-token rule.
var uncertaintyTokens = []string{"maybe", "might", "possibly", "unsure", "guess"}

var negationTokens = []string{"not", "no", "never", "cannot", "can't", "without"}

var salienceBase = map[model.MemoryType]float64{
	model.TypeEvent:   0.45,
	model.TypeFact:    0.70,
	model.TypeEpisode: 0.60,
	model.TypePolicy:  0.90,
}

var confidenceBase = map[model.TrustLevel]float64{
	model.TrustTrustedTool:  0.82,
	model.TrustUserClaim:    0.66,
	model.TrustUntrustedWeb: 0.38,
}

var trustScores = map[model.TrustLevel]float64{
	model.TrustTrustedTool:  1.0,
	model.TrustUserClaim:    0.7,
	model.TrustUntrustedWeb: 0.35,
}

// EstimateTokens approximates the LLM token cost of text. Deterministic and
// monotonic in word count; always at least 1.
func EstimateTokens(text string) int {
	words := len(wordRe.FindAllString(text, -1))
	n := int(math.Round(float64(words) * 1.3))
	if n < 1 {
		return 1
	}
	return n
}

// Words returns the lowercased \w+ tokens of text.
func Words(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// WordSet returns the lowercased word set of text.
func WordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Words(text) {
		set[w] = true
	}
	return set
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// InferSalience returns the provided salience when present, otherwise a
// per-type base boosted by 0.03 for each importance token found in the text,
// clamped to [0.05, 0.99].
func InferSalience(text string, memType model.MemoryType, provided *float64) float64 {
	if provided != nil {
		return Clamp(*provided, 0, 1)
	}
	base, ok := salienceBase[memType]
	if !ok {
		base = 0.5
	}
	lower := strings.ToLower(text)
	for _, tok := range importanceTokens {
		if strings.Contains(lower, tok) {
			base += 0.03
		}
	}
	return Clamp(base, 0.05, 0.99)
}

// InferConfidence returns the provided confidence when present, otherwise a
// per-trust base lowered by 0.05 for each uncertainty token found in the
// text, clamped to [0.05, 0.98].
func InferConfidence(text string, trust model.TrustLevel, provided *float64) float64 {
	if provided != nil {
		return Clamp(*provided, 0, 1)
	}
	base, ok := confidenceBase[trust]
	if !ok {
		base = 0.5
	}
	lower := strings.ToLower(text)
	for _, tok := range uncertaintyTokens {
		if strings.Contains(lower, tok) {
			base -= 0.05
		}
	}
	return Clamp(base, 0.05, 0.98)
}

// TrustScore maps a trust level to its fixed ranking weight.
func TrustScore(trust model.TrustLevel) float64 {
	if s, ok := trustScores[trust]; ok {
		return s
	}
	return 0.5
}

// HasNegation reports whether text contains a whole-word negation token.
func HasNegation(text string) bool {
	padded := " " + strings.ToLower(text) + " "
	for _, tok := range negationTokens {
		if strings.Contains(padded, " "+tok+" ") {
			return true
		}
	}
	return false
}

// LexicalOverlap is the fraction of query words that also appear in the
// text. An empty query scores 0.
func LexicalOverlap(queryWords map[string]bool, text string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	textWords := WordSet(text)
	hits := 0
	for w := range queryWords {
		if textWords[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryWords))
}

// Jaccard is the word-set Jaccard overlap of two texts.
func Jaccard(a, b string) float64 {
	sa, sb := WordSet(a), WordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
