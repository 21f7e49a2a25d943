package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dmorav1/convoqa/internal/kb"
)

func Test_Conform_PadsNarrowVectors(t *testing.T) {
	t.Parallel()

	got := conform([]float32{1, 2}, 4)
	if len(got) != 4 {
		t.Fatalf("want length 4, got %d", len(got))
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 0 || got[3] != 0 {
		t.Errorf("want right-padded [1 2 0 0], got %v", got)
	}
}

func Test_Conform_TruncatesWideVectors(t *testing.T) {
	t.Parallel()

	got := conform([]float32{1, 2, 3, 4}, 2)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("want [1 2], got %v", got)
	}
}

func Test_NewEmbedding_HoldsDimensionInvariant(t *testing.T) {
	t.Parallel()

	for _, raw := range [][]float32{{1}, {1, 2, 3}, {1, 2, 3, 4, 5}} {
		e := newEmbedding(raw, 3, "test-model")
		if len(e.Vector) != e.Dimension {
			t.Errorf("raw width %d: len(Vector)=%d != Dimension=%d", len(raw), len(e.Vector), e.Dimension)
		}
		if e.Dimension != 3 {
			t.Errorf("raw width %d: want dimension 3, got %d", len(raw), e.Dimension)
		}
	}
}

func Test_ValidateTexts_RejectsBlankInput(t *testing.T) {
	t.Parallel()

	err := validateTexts("embedder.Embed", "hashing", []string{"fine", "   "})
	if err == nil {
		t.Fatal("want error for whitespace-only input")
	}
	var embErr *kb.EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("want *kb.EmbeddingError, got %T", err)
	}
	if embErr.Provider != "hashing" {
		t.Errorf("provider: want hashing, got %q", embErr.Provider)
	}
}

func Test_HashingEmbedder_DeterministicUnitVectors(t *testing.T) {
	t.Parallel()

	e := NewHashingEmbedder(64)
	ctx := context.Background()

	first, err := e.EmbedOne(ctx, "the migration finished on Tuesday")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, err := e.EmbedOne(ctx, "the migration finished on Tuesday")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	var norm float64
	for i, v := range first.Vector {
		norm += float64(v) * float64(v)
		if v != second.Vector[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, v, second.Vector[i])
		}
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("want unit L2 norm, got %v", norm)
	}
}

func Test_HashingEmbedder_DistinctTextsDiffer(t *testing.T) {
	t.Parallel()

	e := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := e.EmbedOne(ctx, "database migration schedule")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.EmbedOne(ctx, "weekend hiking plans")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	same := true
	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("unrelated texts produced identical vectors")
	}
}

func Test_New_SelectsBackend(t *testing.T) {
	t.Parallel()

	if _, err := New(&Config{Provider: ProviderHashing}); err != nil {
		t.Errorf("hashing: unexpected error: %v", err)
	}
	if _, err := New(&Config{Provider: ProviderOpenAI}); err == nil {
		t.Error("openai without API key must fail")
	}
	if _, err := New(&Config{Provider: "bedrock"}); err == nil {
		t.Error("unknown provider must fail")
	}
}

// fakeOllama serves /api/embed, counting requests and optionally failing the
// first n calls so warm-up retry behavior can be observed.
func fakeOllama(t *testing.T, failFirst int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failFirst {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Error: "model not loaded"})
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = []float32{1, 2, 3}
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: out})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// fakeOpenAI serves /embeddings, counting requests and answering the first
// failFirst calls with failStatus before succeeding.
func fakeOpenAI(t *testing.T, failStatus int, failFirst int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failFirst {
			w.WriteHeader(failStatus)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"message": http.StatusText(failStatus)},
			})
			return
		}
		var req openaiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		data := make([]map[string]any, 0, len(req.Input))
		for i := range req.Input {
			data = append(data, map[string]any{"embedding": []float32{1, 2, 3}, "index": i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func Test_OpenAIEmbedder_RetriesRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()

	srv, calls := fakeOpenAI(t, http.StatusTooManyRequests, 1)
	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:          srv.URL,
		APIKey:           "sk-test",
		Model:            "text-embedding-3-small",
		TargetDimensions: 4,
	})

	got, err := e.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("rate-limited call must be retried to success: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("want 2 upstream calls (429 then 200), got %d", n)
	}
	if len(got) != 1 || got[0].Dimension != 4 {
		t.Errorf("unexpected result: %+v", got)
	}
}

func Test_OpenAIEmbedder_AuthFailureNotRetried(t *testing.T) {
	t.Parallel()

	srv, calls := fakeOpenAI(t, http.StatusUnauthorized, 100)
	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL: srv.URL,
		APIKey:  "sk-wrong",
		Model:   "text-embedding-3-small",
	})

	_, err := e.Embed(context.Background(), []string{"hello"})
	var embErr *kb.EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("want *kb.EmbeddingError, got %v", err)
	}
	if embErr.Provider != "openai" {
		t.Errorf("provider: want openai, got %q", embErr.Provider)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("auth failures must not be retried, got %d upstream calls", got)
	}
}

func Test_OpenAIEmbedder_AttemptCeilingSurfacesTypedError(t *testing.T) {
	t.Parallel()

	srv, calls := fakeOpenAI(t, http.StatusServiceUnavailable, 100)
	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:     srv.URL,
		APIKey:      "sk-test",
		Model:       "text-embedding-3-small",
		MaxAttempts: 2,
	})

	_, err := e.Embed(context.Background(), []string{"hello"})
	var embErr *kb.EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("want *kb.EmbeddingError after exhausting attempts, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("want exactly MaxAttempts=2 upstream calls, got %d", got)
	}
}

func Test_OllamaEmbedder_WarmsUpOnce(t *testing.T) {
	t.Parallel()

	srv, calls := fakeOllama(t, 0)
	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", TargetDimensions: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Embed(ctx, []string{"hello"}); err != nil {
				t.Errorf("embed: %v", err)
			}
		}()
	}
	wg.Wait()

	// One warm-up call plus one embed call per goroutine.
	if got := calls.Load(); got != 5 {
		t.Errorf("want 5 upstream calls (1 warm-up + 4 embeds), got %d", got)
	}
	if e.state != stateReady {
		t.Errorf("want stateReady after successful warm-up, got %v", e.state)
	}
}

func Test_OllamaEmbedder_RetriesFailedWarmUp(t *testing.T) {
	t.Parallel()

	srv, _ := fakeOllama(t, 1)
	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", TargetDimensions: 4})
	ctx := context.Background()

	if _, err := e.Embed(ctx, []string{"hello"}); err == nil {
		t.Fatal("want error while warm-up fails")
	}
	if e.state != stateFailed {
		t.Fatalf("want stateFailed after failed warm-up, got %v", e.state)
	}

	got, err := e.Embed(ctx, []string{"hello"})
	if err != nil {
		t.Fatalf("second attempt must retry the load: %v", err)
	}
	if len(got) != 1 || got[0].Dimension != 4 {
		t.Errorf("unexpected result: %+v", got)
	}
}

func Test_OllamaEmbedder_ConformsToTarget(t *testing.T) {
	t.Parallel()

	srv, _ := fakeOllama(t, 0)
	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", TargetDimensions: 8})

	got, err := e.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	// Upstream returns width 3; the embedder pads to the target.
	if len(got[0].Vector) != 8 {
		t.Errorf("want padded width 8, got %d", len(got[0].Vector))
	}
	if got[0].Model != "ollama/nomic-embed-text" {
		t.Errorf("model label: got %q", got[0].Model)
	}
}
