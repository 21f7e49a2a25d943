// Package kb defines the shared data model for the conversational knowledge
// base: transcript messages, content chunks, embeddings, retrieval results,
// and synthesized answers — plus the collaborator interfaces and the error
// taxonomy every service in this module speaks.
// Concrete implementations (Qdrant, Ollama, OpenAI, etc.) satisfy these
// interfaces so the synthesis layer never depends on a specific backend.
package kb

import (
	"time"
)

// AuthorType classifies the author of a transcript message.
type AuthorType string

const (
	// AuthorHuman is a human participant in the conversation.
	AuthorHuman AuthorType = "human"
	// AuthorAssistant is an AI assistant participant.
	AuthorAssistant AuthorType = "assistant"
	// AuthorSystem is an automated or system-generated participant.
	AuthorSystem AuthorType = "system"
)

// Message is a single attributed utterance in a conversation transcript.
// Messages are input-only and immutable; they carry no identity beyond
// their position in the transcript.
type Message struct {
	// Author is the display name of the speaker.
	Author string

	// AuthorType classifies the speaker (human, assistant, system).
	AuthorType AuthorType

	// Text is the raw utterance content.
	Text string

	// Timestamp is when the message was sent. Zero if unknown.
	Timestamp time.Time

	// Index is the conversation-relative order of this message, starting at 0.
	Index int
}

// Chunk is an ordered unit of conversation content produced by the chunker.
// A chunk belongs to exactly one conversation, is never mutated after
// creation except to attach its embedding, and is deleted only by cascading
// deletion of its owning conversation.
type Chunk struct {
	// ID is the unique identifier for this chunk.
	ID string

	// ConversationID identifies the owning conversation.
	ConversationID string

	// Index is the chunk's order within its conversation — unique and
	// contiguous, starting at 0.
	Index int

	// Text is the concatenated message content, bounded by the chunker's
	// max-characters parameter (except for hard-split oversized messages).
	Text string

	// Author attributes the chunk: the single speaker for mono-speaker
	// chunks, or a composite label such as "Alice, Bob" otherwise.
	Author string

	// AuthorType is the speaker classification of the chunk's author.
	// Composite chunks carry the type of the first contributing speaker.
	AuthorType AuthorType

	// Embedding is the chunk's vector representation. Nil until attached
	// after chunking; replaced wholesale on re-embedding, never partially
	// updated.
	Embedding *Embedding

	// MessageCount is the number of transcript messages merged into this chunk.
	MessageCount int

	// FirstTimestamp and LastTimestamp bound the original message times
	// covered by this chunk. Zero if the transcript carried no timestamps.
	FirstTimestamp time.Time
	LastTimestamp  time.Time
}

// Embedding is an immutable fixed-length vector plus its declared dimension
// and the identifier of the model that produced it.
//
// Invariant: len(Vector) == Dimension, always — the dimension check applies
// after normalization to the system target dimension, not to the provider's
// raw output.
type Embedding struct {
	// Vector is the embedding components.
	Vector []float32

	// Dimension is the declared length of Vector.
	Dimension int

	// Model identifies the provider/model that produced the raw vector
	// (e.g. "ollama/nomic-embed-text").
	Model string
}

// RetrievalResult pairs a chunk with its similarity score for one search
// call. Results are transient — one exists per (query, chunk) pair within a
// single search and is never persisted.
type RetrievalResult struct {
	// Chunk is the matched content unit.
	Chunk Chunk

	// Similarity is the bounded score in (0, 1] derived from the raw index
	// distance via 1/(1+d). This, not the raw distance, is what callers see.
	Similarity float64

	// ConversationTitle is the human-readable title of the owning
	// conversation, carried for attribution.
	ConversationTitle string

	// ConversationSource is the origin reference of the conversation
	// (platform, export file, channel).
	ConversationSource string

	// ConversationTime is the recency reference of the owning conversation,
	// used to break ties between identical similarity scores.
	ConversationTime time.Time
}

// Answer is the transient result of a question-answering call.
// It is not persisted by this module; callers may log or surface it.
type Answer struct {
	// Text is the synthesized answer.
	Text string

	// Sources lists the retrieval results actually cited by the answer, in
	// first-appearance order of their [Source N] markers.
	Sources []RetrievalResult

	// Confidence is the heuristic confidence score in [0, 1].
	Confidence float64

	// Meta carries call diagnostics.
	Meta AnswerMeta
}

// AnswerMeta holds diagnostic metadata for one Ask call.
type AnswerMeta struct {
	// Retrieved is the number of chunks returned by retrieval before
	// context-budget trimming.
	Retrieved int

	// ContextChunks is the number of chunks that fit the context budget and
	// were offered to the generator.
	ContextChunks int

	// Cached reports whether the answer was served from the response cache.
	Cached bool

	// Latency is the wall-clock duration of the call.
	Latency time.Duration

	// PromptTokens and AnswerTokens are estimated token counts for the
	// assembled prompt and the generated text.
	PromptTokens int
	AnswerTokens int

	// FailureClass names the error class when the generator failed and the
	// service degraded to an explanatory answer. Empty on success.
	FailureClass string
}

// Turn is one prior (question, answer) exchange held in conversation memory.
type Turn struct {
	// Question is the user's sanitized query.
	Question string

	// Answer is the synthesized answer text returned for Question.
	Answer string

	// At is when the turn completed.
	At time.Time
}
