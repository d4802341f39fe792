package vector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hookdump/Brainstem/internal/vector"
)

func TestHashedEmbeddingDeterministic(t *testing.T) {
	a := vector.HashedEmbedding("rotate credentials every ninety days")
	b := vector.HashedEmbedding("rotate credentials every ninety days")
	assert.Equal(t, a, b)
	assert.Len(t, a, vector.Dim)
}

func TestHashedEmbeddingNormalized(t *testing.T) {
	emb := vector.HashedEmbedding("alpha beta gamma alpha")
	var sum float64
	for _, v := range emb {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestHashedEmbeddingEmptyText(t *testing.T) {
	emb := vector.HashedEmbedding("!!! ...")
	assert.Len(t, emb, vector.Dim)
	for _, v := range emb {
		assert.Zero(t, v)
	}
}

func TestHashedEmbeddingCaseInsensitive(t *testing.T) {
	assert.Equal(t, vector.HashedEmbedding("Alpha BETA"), vector.HashedEmbedding("alpha beta"))
}

func TestHashedEmbeddingDistinctTexts(t *testing.T) {
	a := vector.HashedEmbedding("postgres connection pooling")
	b := vector.HashedEmbedding("kubernetes ingress routing")
	assert.NotEqual(t, a, b)
}
