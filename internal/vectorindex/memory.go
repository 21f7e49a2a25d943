package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dmorav1/convoqa/internal/kb"
)

// Memory is an in-memory kb.VectorIndex using brute-force L2 scan. It is
// intended for tests and single-process local development — there is no
// persistence and no approximate indexing. Safe for concurrent use.
type Memory struct {
	// mu guards entries.
	mu sync.RWMutex
	// entries holds all stored chunks with their attribution.
	entries []memoryEntry
}

// memoryEntry is one stored chunk plus its conversation attribution.
type memoryEntry struct {
	chunk    kb.Chunk
	title    string
	source   string
	convTime int64
}

// NewMemory constructs an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{}
}

// Upsert stores a batch of embedded chunks, replacing any previous entry for
// the same (conversation, chunk index) pair.
func (m *Memory) Upsert(_ context.Context, chunks []kb.Chunk, title, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		if c.Embedding == nil {
			return fmt.Errorf("vectorindex: chunk %d of conversation %s has no embedding", c.Index, c.ConversationID)
		}
		entry := memoryEntry{chunk: c, title: title, source: source, convTime: c.LastTimestamp.Unix()}

		replaced := false
		for i := range m.entries {
			if m.entries[i].chunk.ConversationID == c.ConversationID && m.entries[i].chunk.Index == c.Index {
				m.entries[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			m.entries = append(m.entries, entry)
		}
	}
	return nil
}

// Search scans all stored vectors and returns up to limit nearest neighbors
// ordered by ascending L2 distance.
func (m *Memory) Search(_ context.Context, vector []float32, limit int) ([]kb.Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	neighbors := make([]kb.Neighbor, 0, len(m.entries))
	for _, e := range m.entries {
		chunk := e.chunk
		chunk.Embedding = nil // vectors are not read back on search
		neighbors = append(neighbors, kb.Neighbor{
			Chunk:              chunk,
			Distance:           l2Distance(vector, e.chunk.Embedding.Vector),
			ConversationTitle:  e.title,
			ConversationSource: e.source,
			ConversationTime:   e.convTime,
		})
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})

	if limit > 0 && len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}
	return neighbors, nil
}

// Delete removes all entries belonging to the given conversation.
func (m *Memory) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.chunk.ConversationID != conversationID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// Ping always succeeds — the index lives in-process.
func (m *Memory) Ping(context.Context) error { return nil }

// Name returns the readiness probe label for this dependency.
func (m *Memory) Name() string { return "memory-index" }

// Close releases nothing; the index lives in-process.
func (m *Memory) Close() error { return nil }

// l2Distance computes the Euclidean distance between two vectors. Shorter
// vectors are treated as zero-padded, mirroring the embedder's dimension
// normalization.
func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		var av, bv float64
		if i < len(a) {
			av = float64(a[i])
		}
		if i < len(b) {
			bv = float64(b[i])
		}
		d := av - bv
		sum += d * d
	}
	return math.Sqrt(sum)
}
