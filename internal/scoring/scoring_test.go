package scoring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/scoring"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, scoring.EstimateTokens(""))
	assert.Equal(t, 1, scoring.EstimateTokens("hello"))
	// 4 words * 1.3 = 5.2 rounds to 5.
	assert.Equal(t, 5, scoring.EstimateTokens("one two three four"))
	// 10 words * 1.3 = 13.
	assert.Equal(t, 13, scoring.EstimateTokens("a b c d e f g h i j"))
	// Punctuation does not create tokens.
	assert.Equal(t, scoring.EstimateTokens("alpha beta"), scoring.EstimateTokens("alpha, beta!"))
}

func TestInferSalienceBases(t *testing.T) {
	assert.InDelta(t, 0.45, scoring.InferSalience("went for a walk", model.TypeEvent, nil), 1e-9)
	assert.InDelta(t, 0.70, scoring.InferSalience("the sky is blue", model.TypeFact, nil), 1e-9)
	assert.InDelta(t, 0.60, scoring.InferSalience("we paired on a bug", model.TypeEpisode, nil), 1e-9)
	assert.InDelta(t, 0.90, scoring.InferSalience("always rotate keys", model.TypePolicy, nil), 1e-9)
}

func TestInferSalienceImportanceBoost(t *testing.T) {
	// Two importance tokens, each counted once: 0.45 + 2*0.03.
	got := scoring.InferSalience("the deadline is critical critical", model.TypeEvent, nil)
	assert.InDelta(t, 0.51, got, 1e-9)
}

func TestInferSalienceClamped(t *testing.T) {
	// Policy base 0.90 plus many importance tokens clamps at 0.99.
	got := scoring.InferSalience("must required deadline blocked constraint critical policy security cannot", model.TypePolicy, nil)
	assert.InDelta(t, 0.99, got, 1e-9)
}

func TestInferSalienceProvidedWins(t *testing.T) {
	provided := 0.33
	got := scoring.InferSalience("deadline critical", model.TypePolicy, &provided)
	assert.InDelta(t, 0.33, got, 1e-9)

	over := 1.7
	assert.InDelta(t, 1.0, scoring.InferSalience("x", model.TypeEvent, &over), 1e-9)
}

func TestInferConfidence(t *testing.T) {
	assert.InDelta(t, 0.82, scoring.InferConfidence("verified output", model.TrustTrustedTool, nil), 1e-9)
	assert.InDelta(t, 0.66, scoring.InferConfidence("user said so", model.TrustUserClaim, nil), 1e-9)
	assert.InDelta(t, 0.38, scoring.InferConfidence("random page", model.TrustUntrustedWeb, nil), 1e-9)
	// Two uncertainty tokens: 0.66 - 2*0.05.
	assert.InDelta(t, 0.56, scoring.InferConfidence("maybe it might rain", model.TrustUserClaim, nil), 1e-9)
	// Five uncertainty tokens: 0.38 - 0.25.
	assert.InDelta(t, 0.13, scoring.InferConfidence("maybe might possibly unsure guess", model.TrustUntrustedWeb, nil), 1e-9)
}

func TestTrustScore(t *testing.T) {
	assert.InDelta(t, 1.0, scoring.TrustScore(model.TrustTrustedTool), 1e-9)
	assert.InDelta(t, 0.7, scoring.TrustScore(model.TrustUserClaim), 1e-9)
	assert.InDelta(t, 0.35, scoring.TrustScore(model.TrustUntrustedWeb), 1e-9)
	assert.InDelta(t, 0.5, scoring.TrustScore(model.TrustLevel("unknown")), 1e-9)
}

func TestHasNegation(t *testing.T) {
	assert.True(t, scoring.HasNegation("the service is not available"))
	assert.True(t, scoring.HasNegation("never deploy on fridays"))
	assert.True(t, scoring.HasNegation("can't reproduce the issue"))
	// Whole-word match only; "notable" must not trigger.
	assert.False(t, scoring.HasNegation("a notable improvement"))
	assert.False(t, scoring.HasNegation("everything works"))
}

func TestLexicalOverlap(t *testing.T) {
	q := scoring.WordSet("database migration deadline")
	assert.InDelta(t, 1.0, scoring.LexicalOverlap(q, "the database migration deadline slipped"), 1e-9)
	assert.InDelta(t, 1.0/3.0, scoring.LexicalOverlap(q, "the Database is down"), 1e-9)
	assert.InDelta(t, 0, scoring.LexicalOverlap(q, "unrelated text"), 1e-9)
	assert.InDelta(t, 0, scoring.LexicalOverlap(scoring.WordSet(""), "anything"), 1e-9)
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, scoring.Jaccard("alpha beta", "beta alpha"), 1e-9)
	// {a,b,c} vs {a,b,d}: 2/4.
	assert.InDelta(t, 0.5, scoring.Jaccard("a b c", "a b d"), 1e-9)
	assert.InDelta(t, 0, scoring.Jaccard("", "a b"), 1e-9)
}

func TestClamp(t *testing.T) {
	assert.InDelta(t, 0.5, scoring.Clamp(0.5, 0, 1), 1e-9)
	assert.InDelta(t, 0, scoring.Clamp(-3, 0, 1), 1e-9)
	assert.InDelta(t, 1, scoring.Clamp(9, 0, 1), 1e-9)
}
