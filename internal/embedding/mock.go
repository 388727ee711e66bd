package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

// MockClient produces deterministic local embeddings without any
// external service: each lowercased token hashes into a handful of
// vector components, so texts sharing words land near each other. Good
// enough for tests and degraded operation, useless for real semantics.
type MockClient struct {
	dim int
}

func NewMockClient(dim int) *MockClient {
	return &MockClient{dim: dim}
}

func (c *MockClient) Embed(_ context.Context, text string) ([]float32, error) {
	return HashEmbedding(text, c.dim), nil
}

// HashEmbedding is the deterministic bag-of-words fallback used both by
// the mock provider and for degraded records when the real provider is
// down. Same text, same dimension, same vector, always.
func HashEmbedding(text string, dim int) []float32 {
	v := make([]float32, dim)
	for _, token := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		seed := h.Sum64()
		// Spread each token over four components with alternating sign.
		for i := 0; i < 4; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			idx := int(seed % uint64(dim))
			if seed&(1<<63) != 0 {
				v[idx] -= 1
			} else {
				v[idx] += 1
			}
		}
	}
	return Normalize(v)
}
