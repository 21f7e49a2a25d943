package kb

import (
	"errors"
	"fmt"
)

// The error taxonomy for the retrieval pipeline. Each type carries the
// operation that failed and the underlying cause so callers can log with
// context and branch with errors.As.
//
// Policy: transient provider failures are retried locally before surfacing
// as EmbeddingError / SynthesisError; everything else surfaces immediately.

// ValidationError reports malformed or empty caller input.
type ValidationError struct {
	// Op is the operation that rejected the input (e.g. "synthesis.Ask").
	Op string
	// Reason describes what was wrong with the input.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid input: %s", e.Op, e.Reason)
}

// EmbeddingError reports that an embedding provider rejected its input or
// failed after exhausting retries.
type EmbeddingError struct {
	// Op is the operation that failed (e.g. "embedder.Embed").
	Op string
	// Provider names the backend (ollama, openai, hashing).
	Provider string
	// Err is the underlying cause. Nil for input rejections.
	Err error
}

// Error implements the error interface.
func (e *EmbeddingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s embedding failed", e.Op, e.Provider)
	}
	return fmt.Sprintf("%s: %s embedding failed: %v", e.Op, e.Provider, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *EmbeddingError) Unwrap() error { return e.Err }

// RetrievalError reports that the vector index was unreachable or returned a
// malformed response.
type RetrievalError struct {
	// Op is the operation that failed (e.g. "retrieval.Search").
	Op string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	return fmt.Sprintf("%s: retrieval failed: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *RetrievalError) Unwrap() error { return e.Err }

// SynthesisError reports that the generation provider was unusable.
// The synthesis service converts this into a degraded answer at its boundary;
// it is surfaced directly only by lower-level generator calls.
type SynthesisError struct {
	// Op is the operation that failed (e.g. "synthesis.generate").
	Op string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s: generation failed: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *SynthesisError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
