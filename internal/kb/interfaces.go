package kb

import (
	"context"
)

// Embedder converts text into fixed-dimension embeddings. Every returned
// Embedding satisfies Dimension == the system target dimension, regardless of
// the underlying provider's native width.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings in
	// a single provider call where the backend supports it. The returned
	// slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([]Embedding, error)

	// EmbedOne converts a single text into its embedding.
	EmbedOne(ctx context.Context, text string) (Embedding, error)
}

// Neighbor is one nearest-neighbor hit returned by a VectorIndex, carrying
// the stored chunk and the raw distance reported by the index. Converting
// distance to a caller-visible similarity is the retrieval layer's job.
type Neighbor struct {
	// Chunk is the stored chunk reconstructed from the index payload.
	// Its Embedding field is nil — vectors are not read back on search.
	Chunk Chunk

	// Distance is the raw L2 distance between the query vector and the
	// stored vector. Zero means identical.
	Distance float64

	// ConversationTitle, ConversationSource, and ConversationTime carry the
	// owning conversation's attribution metadata from the payload.
	ConversationTitle  string
	ConversationSource string
	ConversationTime   int64
}

// VectorIndex is the narrow contract this module depends on for approximate
// nearest-neighbor search. Index construction and maintenance are the
// implementation's concern. Implementations must be safe for concurrent use.
type VectorIndex interface {
	// Upsert stores a batch of chunks with their attached embeddings plus
	// conversation attribution. Chunks without an embedding are rejected.
	Upsert(ctx context.Context, chunks []Chunk, title, source string) error

	// Search returns up to limit nearest neighbors for the query vector,
	// ordered by ascending distance.
	Search(ctx context.Context, vector []float32, limit int) ([]Neighbor, error)

	// Delete removes all stored chunks belonging to the given conversation.
	Delete(ctx context.Context, conversationID string) error

	// Ping reports whether the index is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the index.
	Close() error
}

// MemoryStore holds bounded per-key conversation memory: the most recent
// (question, answer) turns for a session, used to give the generator
// dialogue context. Writers for the same key are serialized; reads of
// different keys proceed independently.
type MemoryStore interface {
	// Append records a completed turn for key, evicting the oldest turn when
	// the per-key history exceeds its configured maximum length.
	Append(ctx context.Context, key string, turn Turn) error

	// Recent returns up to n most recent turns for key, ordered oldest-first
	// so they can be prepended to a prompt directly.
	Recent(ctx context.Context, key string, n int) ([]Turn, error)

	// Clear discards all turns held for key.
	Clear(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
