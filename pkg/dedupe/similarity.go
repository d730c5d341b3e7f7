package dedupe

import (
	"context"
	"fmt"
	"math"

	"github.com/loom-kg/backend/pkg/ai"
)

// CosineSimilarity returns the cosine similarity of two vectors, clamped to
// [0, 1]. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// EmbedderSimilarity builds a SimilarityFunc from an embedding provider.
func EmbedderSimilarity(embedder ai.Embedder) SimilarityFunc {
	return func(ctx context.Context, a, b string) (float64, error) {
		va, err := embedder.Embed(ctx, a)
		if err != nil {
			return 0, fmt.Errorf("embedding %q: %w", a, err)
		}
		vb, err := embedder.Embed(ctx, b)
		if err != nil {
			return 0, fmt.Errorf("embedding %q: %w", b, err)
		}
		return CosineSimilarity(va, vb), nil
	}
}
