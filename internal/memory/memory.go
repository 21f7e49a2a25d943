// Package memory persists per-key conversation turns so that follow-up
// questions ("what about X?") can be answered with the preceding exchange in
// context. Two implementations are provided: a bounded in-process store for
// tests and single-shot CLI use, and a SQLite-backed store that survives
// server restarts.
package memory

import (
	"context"
	"sync"

	"github.com/dmorav1/convoqa/internal/kb"
)

// DefaultMaxTurns is the number of turns retained per memory key. Ten turns
// is enough for follow-up resolution without bloating the prompt.
const DefaultMaxTurns = 10

// InMemoryStore is a kb.MemoryStore held entirely in process memory. Each
// key retains at most maxTurns turns; older turns are evicted on append.
type InMemoryStore struct {
	mu       sync.Mutex
	turns    map[string][]kb.Turn
	maxTurns int
}

// NewInMemory constructs an InMemoryStore retaining maxTurns turns per key.
// maxTurns <= 0 uses DefaultMaxTurns.
func NewInMemory(maxTurns int) *InMemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &InMemoryStore{turns: make(map[string][]kb.Turn), maxTurns: maxTurns}
}

// Append records a turn under key, evicting the oldest turn if the key is at
// capacity.
func (s *InMemoryStore) Append(_ context.Context, key string, turn kb.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := append(s.turns[key], turn)
	if len(ts) > s.maxTurns {
		ts = ts[len(ts)-s.maxTurns:]
	}
	s.turns[key] = ts
	return nil
}

// Recent returns up to n of the most recent turns for key, oldest-first so
// they can be prepended to a prompt directly. A key with no history returns
// an empty slice, not an error.
func (s *InMemoryStore) Recent(_ context.Context, key string, n int) ([]kb.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.turns[key]
	if n > 0 && len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	out := make([]kb.Turn, len(ts))
	copy(out, ts)
	return out, nil
}

// Clear discards all turns for key.
func (s *InMemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, key)
	return nil
}

// Close is a no-op for the in-process store.
func (s *InMemoryStore) Close() error { return nil }
