package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dmorav1/convoqa/internal/kb"
)

// openTestStore returns a SQLiteStore backed by an in-memory database that is
// closed when the test finishes.
func openTestStore(t *testing.T, maxTurns int) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:", maxTurns)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores runs the same subtest against both MemoryStore implementations.
func stores(t *testing.T) map[string]kb.MemoryStore {
	t.Helper()
	return map[string]kb.MemoryStore{
		"inmemory": NewInMemory(DefaultMaxTurns),
		"sqlite":   openTestStore(t, DefaultMaxTurns),
	}
}

func Test_MemoryStore_RecentReturnsOldestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Unix(1700000000, 0)
			for i := 0; i < 3; i++ {
				turn := kb.Turn{
					Question: fmt.Sprintf("q%d", i),
					Answer:   fmt.Sprintf("a%d", i),
					At:       base.Add(time.Duration(i) * time.Minute),
				}
				if err := s.Append(ctx, "session-1", turn); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := s.Recent(ctx, "session-1", 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("want 2 turns, got %d", len(got))
			}
			if got[0].Question != "q1" || got[1].Question != "q2" {
				t.Errorf("want q1 then q2 (oldest-first tail), got %q then %q", got[0].Question, got[1].Question)
			}
		})
	}
}

func Test_MemoryStore_KeysAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Append(ctx, "alice", kb.Turn{Question: "q", Answer: "a", At: time.Now()}); err != nil {
				t.Fatalf("append: %v", err)
			}

			got, err := s.Recent(ctx, "bob", 10)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("want no turns for unrelated key, got %d", len(got))
			}
		})
	}
}

func Test_MemoryStore_ClearDiscardsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Append(ctx, "session-1", kb.Turn{Question: "q", Answer: "a", At: time.Now()}); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := s.Clear(ctx, "session-1"); err != nil {
				t.Fatalf("clear: %v", err)
			}

			got, err := s.Recent(ctx, "session-1", 10)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("want empty history after clear, got %d turns", len(got))
			}
		})
	}
}

func Test_InMemory_EvictsBeyondMaxTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewInMemory(3)
	for i := 0; i < 5; i++ {
		turn := kb.Turn{Question: fmt.Sprintf("q%d", i), Answer: "a", At: time.Now()}
		if err := s.Append(ctx, "k", turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Recent(ctx, "k", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 retained turns, got %d", len(got))
	}
	if got[0].Question != "q2" {
		t.Errorf("oldest retained turn: want q2, got %q", got[0].Question)
	}
}

func Test_SQLite_PrunesBeyondMaxTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := openTestStore(t, 2)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		turn := kb.Turn{Question: fmt.Sprintf("q%d", i), Answer: "a", At: base.Add(time.Duration(i) * time.Second)}
		if err := s.Append(ctx, "k", turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Recent(ctx, "k", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 retained turns, got %d", len(got))
	}
	if got[0].Question != "q2" || got[1].Question != "q3" {
		t.Errorf("want q2 then q3, got %q then %q", got[0].Question, got[1].Question)
	}
}
