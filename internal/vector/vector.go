// Package vector provides the deterministic hashed embedding used to
// populate the pgvector column on the networked store. It is a placeholder
// projection for ordering candidates, not a semantic model.
package vector

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Dim is the embedding width expected by the memory_items vector column.
const Dim = 1536

var tokenRe = regexp.MustCompile(`\w+`)

// HashedEmbedding buckets lowercased word tokens by FNV-1a hash and
// L2-normalizes the resulting counts. Deterministic across processes.
func HashedEmbedding(text string) []float32 {
	values := make([]float32, Dim)
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return values
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		values[h.Sum64()%Dim]++
	}
	var sum float64
	for _, v := range values {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return values
	}
	for i := range values {
		values[i] = float32(float64(values[i]) / norm)
	}
	return values
}
