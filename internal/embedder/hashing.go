package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/dmorav1/convoqa/internal/kb"
)

// HashingEmbedder is a dependency-free local embedding runtime: it maps each
// token (and each adjacent token bigram) into a vector bucket by hashing,
// then L2-normalizes the result. It requires no model download, no external
// process, and produces deterministic vectors, which makes it suitable for
// tests, air-gapped deployments, and as a fallback when no model runtime is
// available. Semantic quality is of course far below a learned model.
//
// Because the vector is built directly at the target dimension, the
// normalization step is a pass-through for this backend.
type HashingEmbedder struct {
	// target is the system-wide embedding dimension.
	target int
}

// NewHashingEmbedder constructs a HashingEmbedder at the given target
// dimension.
func NewHashingEmbedder(targetDimensions int) *HashingEmbedder {
	if targetDimensions <= 0 {
		targetDimensions = DefaultTargetDimensions
	}
	return &HashingEmbedder{target: targetDimensions}
}

// Embed converts a batch of texts into hashed feature vectors.
// The returned slice is parallel to the input slice.
func (e *HashingEmbedder) Embed(_ context.Context, texts []string) ([]kb.Embedding, error) {
	const op = "embedder.Embed"
	if len(texts) == 0 {
		return nil, nil
	}
	if err := validateTexts(op, "hashing", texts); err != nil {
		return nil, err
	}

	embeddings := make([]kb.Embedding, len(texts))
	for i, text := range texts {
		embeddings[i] = newEmbedding(e.vectorize(text), e.target, "hashing")
	}
	return embeddings, nil
}

// EmbedOne converts a single text into its embedding.
func (e *HashingEmbedder) EmbedOne(ctx context.Context, text string) (kb.Embedding, error) {
	embeddings, err := e.Embed(ctx, []string{text})
	if err != nil {
		return kb.Embedding{}, err
	}
	return embeddings[0], nil
}

// vectorize hashes tokens and token bigrams into target-dimension buckets
// and L2-normalizes the accumulated counts.
func (e *HashingEmbedder) vectorize(text string) []float32 {
	tokens := tokenize(text)
	vec := make([]float32, e.target)

	for i, tok := range tokens {
		vec[e.bucket(tok)]++
		if i+1 < len(tokens) {
			vec[e.bucket(tok+" "+tokens[i+1])]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// bucket maps a token to its vector component index via FNV-1a.
func (e *HashingEmbedder) bucket(token string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(e.target))
}

// tokenize lowercases text and splits it on non-letter, non-digit runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
