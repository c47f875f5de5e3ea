// Package embed provides text embedding via an Ollama-compatible HTTP API,
// with unit normalization, retry, and an LRU cache for repeated inputs.
package embed

import (
	"context"
	"math"
)

// Embedder produces vector embeddings for text. Empty input maps to the
// zero vector of the embedder's dimension; all other vectors come back
// unit-normalized.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector dimension, 0 until known.
	Dimensions() int
}

// normalizeInPlace scales v to unit length. Zero vectors stay zero.
func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
