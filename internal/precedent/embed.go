package precedent

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const embeddingDim = 128

// embedTrace produces a deterministic local embedding from hashed word
// features. It keeps the index fully offline: no embedding API call is needed
// to store or query precedents, and identical descriptions always land on
// identical vectors. Ranking quality is lexical rather than semantic, which
// is sufficient for decision descriptions that share a rigid vocabulary.
func embedTrace(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, embeddingDim)
	for _, word := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(word))
		sum := h.Sum32()

		idx := int(sum % embeddingDim)
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	// chromem expects normalized vectors for cosine similarity.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	} else {
		vec[0] = 1
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '%', r == '_':
			return false
		}
		return true
	})
}
