// Package embedder provides implementations of the kb.Embedder interface for
// converting text into dense vector embeddings. Backends: a local Ollama
// runtime (lazy model warm-up), the OpenAI embeddings REST API (retry with
// exponential backoff), and a dependency-free hashing vectorizer. All
// backends talk plain HTTP — no additional SDK dependencies are required.
//
// Every embedding returned by this package is conformed to the single
// system-wide target dimension: raw provider vectors narrower than the
// target are right-padded with zeros, wider ones are truncated. The
// kb.Embedding invariant len(Vector) == Dimension therefore always holds
// for the target dimension, whatever the provider's native width.
package embedder

import (
	"strings"

	"github.com/dmorav1/convoqa/internal/kb"
)

// DefaultTargetDimensions is the system-wide embedding width used when the
// configuration does not specify one. 1536 matches the native width of
// text-embedding-3-small so the hosted backend needs no padding.
const DefaultTargetDimensions = 1536

// conform transforms a raw provider vector to the target dimension:
// right-pad with zeros when narrower, truncate when wider, pass through
// unchanged when equal.
func conform(raw []float32, target int) []float32 {
	switch {
	case len(raw) == target:
		return raw
	case len(raw) < target:
		padded := make([]float32, target)
		copy(padded, raw)
		return padded
	default:
		return raw[:target]
	}
}

// newEmbedding wraps a raw provider vector as a kb.Embedding at the target
// dimension, recording the producing model.
func newEmbedding(raw []float32, target int, model string) kb.Embedding {
	return kb.Embedding{
		Vector:    conform(raw, target),
		Dimension: target,
		Model:     model,
	}
}

// validateTexts rejects blank input before any provider call is attempted.
// op and provider label the resulting kb.EmbeddingError.
func validateTexts(op, provider string, texts []string) error {
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return &kb.EmbeddingError{Op: op, Provider: provider, Err: errBlankInput}
		}
	}
	return nil
}

// errBlankInput is the cause recorded when a caller submits empty or
// whitespace-only text.
var errBlankInput = blankInputError{}

// blankInputError is a sentinel error type for blank embedding input.
type blankInputError struct{}

// Error implements the error interface.
func (blankInputError) Error() string { return "text is empty or whitespace-only" }
