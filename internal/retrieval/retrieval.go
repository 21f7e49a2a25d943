// Package retrieval implements vector similarity search over the conversation
// knowledge base: it embeds the query, over-fetches nearest neighbors from the
// vector index, converts raw L2 distances to bounded similarity scores,
// deduplicates to the best-matching chunk per conversation, and applies the
// caller's post-filters.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dmorav1/convoqa/internal/kb"
)

// OverfetchFactor is the multiple of topK candidates requested from the
// vector index before deduplication. Deduplication keeps at most one chunk
// per conversation, so the raw candidate list must be deeper than the final
// result list. A tuning parameter, not a correctness requirement; must be ≥2.
const OverfetchFactor = 3

// Options control one search call.
type Options struct {
	// TopK is the maximum number of results to return. Defaults to the
	// service default when zero.
	TopK int

	// MinSimilarity drops results scoring below this threshold. Zero falls
	// back to the service default floor.
	MinSimilarity float64

	// Author keeps only chunks attributed to this author. Empty keeps all.
	Author string

	// AuthorType keeps only chunks whose author is of this type. Empty
	// keeps all.
	AuthorType kb.AuthorType

	// After and Before bound the chunk's last message timestamp. Zero values
	// disable the respective bound. Filters are conjunctive.
	After  time.Time
	Before time.Time
}

// Service performs similarity search by combining an Embedder and a
// VectorIndex. The service is stateless and safe for concurrent use.
type Service struct {
	// embedder converts query text to a dense vector.
	embedder kb.Embedder

	// index performs the nearest-neighbor search.
	index kb.VectorIndex

	// defaultTopK is the result count used when Options.TopK is zero.
	defaultTopK int

	// defaultMinSimilarity is the score floor used when Options.MinSimilarity
	// is zero. Zero disables the floor.
	defaultMinSimilarity float64
}

// New constructs a retrieval Service. defaultTopK sets the fallback result
// count when Search is called with TopK=0; defaultMinSimilarity sets the
// fallback score floor when Search is called with MinSimilarity=0.
func New(embedder kb.Embedder, index kb.VectorIndex, defaultTopK int, defaultMinSimilarity float64) (*Service, error) {
	if embedder == nil {
		return nil, &kb.RetrievalError{Op: "retrieval.New", Err: errNilDependency("embedder")}
	}
	if index == nil {
		return nil, &kb.RetrievalError{Op: "retrieval.New", Err: errNilDependency("index")}
	}
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	if defaultMinSimilarity < 0 {
		defaultMinSimilarity = 0
	}
	return &Service{
		embedder:             embedder,
		index:                index,
		defaultTopK:          defaultTopK,
		defaultMinSimilarity: defaultMinSimilarity,
	}, nil
}

// errNilDependency reports a missing constructor dependency.
type errNilDependency string

// Error implements the error interface.
func (e errNilDependency) Error() string { return string(e) + " must not be nil" }

// Search returns up to TopK retrieval results for the query, ordered by
// descending similarity. Ties are broken by conversation recency (most
// recent first) so ordering is deterministic. At most one result per
// conversation is returned — only the best-matching passage of each
// conversation is worth surfacing. Returning fewer than TopK results is not
// an error; the result list is never padded.
func (s *Service) Search(ctx context.Context, query string, opts Options) ([]kb.RetrievalResult, error) {
	const op = "retrieval.Search"

	if strings.TrimSpace(query) == "" {
		return nil, &kb.ValidationError{Op: op, Reason: "query is empty"}
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = s.defaultMinSimilarity
	}

	queryEmbedding, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		// Already a typed EmbeddingError from the provider.
		return nil, err
	}

	neighbors, err := s.index.Search(ctx, queryEmbedding.Vector, topK*OverfetchFactor)
	if err != nil {
		return nil, &kb.RetrievalError{Op: op, Err: err}
	}

	results := score(neighbors)
	results = dedupeByConversation(results)
	results = applyFilters(results, opts)

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// score converts raw neighbor distances into RetrievalResults carrying the
// bounded similarity 1/(1+d) — d=0 maps to 1.0 and the score asymptotically
// approaches 0 as distance grows — then orders by descending similarity with
// conversation recency as the tie-break.
func score(neighbors []kb.Neighbor) []kb.RetrievalResult {
	results := make([]kb.RetrievalResult, 0, len(neighbors))
	for _, n := range neighbors {
		results = append(results, kb.RetrievalResult{
			Chunk:              n.Chunk,
			Similarity:         1 / (1 + n.Distance),
			ConversationTitle:  n.ConversationTitle,
			ConversationSource: n.ConversationSource,
			ConversationTime:   time.Unix(n.ConversationTime, 0),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ConversationTime.After(results[j].ConversationTime)
	})
	return results
}

// dedupeByConversation keeps the first (highest-scoring) result per owning
// conversation, discarding later chunks from already-seen conversations.
// The input must already be similarity-descending.
func dedupeByConversation(results []kb.RetrievalResult) []kb.RetrievalResult {
	seen := make(map[string]bool, len(results))
	kept := results[:0]
	for _, r := range results {
		if seen[r.Chunk.ConversationID] {
			continue
		}
		seen[r.Chunk.ConversationID] = true
		kept = append(kept, r)
	}
	return kept
}

// applyFilters applies the conjunctive post-filters from opts.
func applyFilters(results []kb.RetrievalResult, opts Options) []kb.RetrievalResult {
	kept := results[:0]
	for _, r := range results {
		if opts.MinSimilarity > 0 && r.Similarity < opts.MinSimilarity {
			continue
		}
		if opts.Author != "" && r.Chunk.Author != opts.Author {
			continue
		}
		if opts.AuthorType != "" && r.Chunk.AuthorType != opts.AuthorType {
			continue
		}
		if !opts.After.IsZero() && r.ConversationTime.Before(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && r.ConversationTime.After(opts.Before) {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
