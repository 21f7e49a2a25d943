// Package budget provides token budget estimation and context trimming for
// answer synthesis. Because the system supports multiple generation backends
// with different tokenizers, this package uses a conservative character-based
// heuristic: 1 token ≈ 4 characters (English prose). This deliberately
// under-estimates token counts to leave headroom for model-specific overhead.
package budget

import (
	"github.com/cloudwego/eino/schema"

	"github.com/dmorav1/convoqa/internal/kb"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English prose; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default budget for retrieved chunk
	// context within the prompt. Conservative enough to fit within
	// 8k-context models while leaving room for memory turns and the answer.
	DefaultMaxContextTokens = 4000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// FitChunks returns the longest prefix of results whose combined estimated
// token count (text plus perChunkOverhead for source markers and attribution)
// fits within maxTokens. Results must be rank-ordered best-first: the
// lowest-ranked chunks are dropped first, and a chunk is always dropped
// whole — never truncated mid-chunk.
func FitChunks(results []kb.RetrievalResult, maxTokens, perChunkOverhead int) []kb.RetrievalResult {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}

	total := 0
	for i, r := range results {
		cost := Estimate(r.Chunk.Text) + perChunkOverhead
		if total+cost > maxTokens {
			return results[:i]
		}
		total += cost
	}
	return results
}
