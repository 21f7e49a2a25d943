package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dmorav1/convoqa/internal/answercache"
	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/logging"
	"github.com/dmorav1/convoqa/internal/retrieval"
)

// fakeGenerator returns canned text and records the messages it was given.
// A non-zero failFirst makes the first n calls fail before recovering.
type fakeGenerator struct {
	reply     string
	err       error
	failFirst int
	calls     int
	lastMsgs  []*schema.Message
}

// failure returns the error the current call should produce, if any.
func (g *fakeGenerator) failure() error {
	if g.err != nil {
		return g.err
	}
	if g.calls <= g.failFirst {
		return errors.New("provider unavailable")
	}
	return nil
}

func (g *fakeGenerator) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	g.calls++
	g.lastMsgs = input
	if err := g.failure(); err != nil {
		return nil, err
	}
	return schema.AssistantMessage(g.reply, nil), nil
}

func (g *fakeGenerator) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	g.calls++
	g.lastMsgs = input
	if err := g.failure(); err != nil {
		return nil, err
	}
	// Split the reply into two deltas to exercise accumulation.
	mid := len(g.reply) / 2
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage(g.reply[:mid], nil),
		schema.AssistantMessage(g.reply[mid:], nil),
	}), nil
}

// fakeSearcher returns canned results and counts calls.
type fakeSearcher struct {
	results []kb.RetrievalResult
	err     error
	calls   int
}

func (s *fakeSearcher) Search(context.Context, string, retrieval.Options) ([]kb.RetrievalResult, error) {
	s.calls++
	return s.results, s.err
}

// chunkResult builds a retrieval result with the given text and similarity.
func chunkResult(convID, text string, sim float64) kb.RetrievalResult {
	return kb.RetrievalResult{
		Chunk:             kb.Chunk{ConversationID: convID, Text: text, Author: "Alice", AuthorType: kb.AuthorHuman},
		Similarity:        sim,
		ConversationTitle: "Planning " + convID,
	}
}

// newTestService wires a Service over the fakes with a fresh cache.
func newTestService(t *testing.T, gen *fakeGenerator, search *fakeSearcher, mem kb.MemoryStore) *Service {
	t.Helper()
	cache, stop := answercache.New(time.Minute)
	t.Cleanup(stop)
	svc, err := New(&Config{Generator: gen, Searcher: search, Memory: mem, Cache: cache})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func Test_Ask_CitationsInFirstAppearanceOrder(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: "We chose Postgres [Source 2] after the outage discussion [Source 1]. Postgres again [Source 2]."}
	search := &fakeSearcher{results: []kb.RetrievalResult{
		chunkResult("conv-a", "the outage postmortem", 0.9),
		chunkResult("conv-b", "the database decision", 0.8),
	}}
	svc := newTestService(t, gen, search, nil)

	got, err := svc.Ask(context.Background(), Request{Query: "what database did we pick?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if len(got.Sources) != 2 {
		t.Fatalf("want 2 cited sources, got %d", len(got.Sources))
	}
	if got.Sources[0].Chunk.ConversationID != "conv-b" || got.Sources[1].Chunk.ConversationID != "conv-a" {
		t.Errorf("want first-appearance order conv-b then conv-a, got %s then %s",
			got.Sources[0].Chunk.ConversationID, got.Sources[1].Chunk.ConversationID)
	}
}

func Test_Ask_OutOfRangeCitationDiscarded(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: "Answer citing a real excerpt [Source 1] and a hallucinated one [Source 9]."}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "text", 0.9)}}
	svc := newTestService(t, gen, search, nil)

	got, err := svc.Ask(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(got.Sources) != 1 {
		t.Errorf("want only the in-range citation, got %d sources", len(got.Sources))
	}
}

func Test_Ask_ZeroResultsShortCircuits(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: "should never be used"}
	search := &fakeSearcher{}
	svc := newTestService(t, gen, search, nil)

	got, err := svc.Ask(context.Background(), Request{Query: "anything indexed about kubernetes?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if gen.calls != 0 {
		t.Errorf("generator must not be invoked on zero results, got %d calls", gen.calls)
	}
	if got.Confidence != 0 {
		t.Errorf("want confidence 0, got %v", got.Confidence)
	}
	if len(got.Sources) != 0 {
		t.Errorf("want empty citation list, got %d", len(got.Sources))
	}
	if got.Text == "" {
		t.Error("want deterministic no-information text")
	}
}

func Test_Ask_CacheHitSkipsRetrievalAndGeneration(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: "Answer [Source 1]."}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "text", 0.9)}}
	svc := newTestService(t, gen, search, nil)

	first, err := svc.Ask(context.Background(), Request{Query: "what   happened?"})
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if first.Meta.Cached {
		t.Error("first answer must not be marked cached")
	}

	// Same question modulo whitespace: sanitization makes the cache key equal.
	second, err := svc.Ask(context.Background(), Request{Query: "  what happened?  "})
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}

	if !second.Meta.Cached {
		t.Error("second answer must be served from cache")
	}
	if second.Text != first.Text {
		t.Errorf("cached text mismatch: %q vs %q", second.Text, first.Text)
	}
	if gen.calls != 1 || search.calls != 1 {
		t.Errorf("want exactly one generation and one search, got %d and %d", gen.calls, search.calls)
	}
}

func Test_Ask_GeneratorFailureDegrades(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{err: errors.New("model exploded")}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "text", 0.9)}}
	svc := newTestService(t, gen, search, nil)

	got, err := svc.Ask(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("provider failure must not propagate, got %v", err)
	}
	if got.Confidence != 0 {
		t.Errorf("degraded answer must have confidence 0, got %v", got.Confidence)
	}
	if got.Meta.FailureClass != "provider_error" {
		t.Errorf("want failure class provider_error, got %q", got.Meta.FailureClass)
	}
}

func Test_Ask_FailureAnswerNotCachedOrRemembered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gen := &fakeGenerator{reply: "It recovered fine [Source 1].", failFirst: 1}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "text", 0.9)}}
	mem := newFakeMemory()
	svc := newTestService(t, gen, search, mem)

	first, err := svc.Ask(ctx, Request{Query: "did it recover?", MemoryKey: "session-1"})
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if first.Meta.FailureClass != "provider_error" {
		t.Fatalf("want degraded first answer, got class %q", first.Meta.FailureClass)
	}
	if turns, _ := mem.Recent(ctx, "session-1", 10); len(turns) != 0 {
		t.Errorf("degraded answer must not be persisted as a turn, got %d", len(turns))
	}

	// The provider recovered: the same question must reach it again instead
	// of replaying the degraded text from the cache.
	second, err := svc.Ask(ctx, Request{Query: "did it recover?", MemoryKey: "session-1"})
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if second.Meta.Cached {
		t.Error("degraded answer must not be served from cache")
	}
	if second.Meta.FailureClass != "" {
		t.Errorf("want clean second answer, got class %q", second.Meta.FailureClass)
	}
	if second.Text != gen.reply {
		t.Errorf("want recovered text %q, got %q", gen.reply, second.Text)
	}
	if gen.calls != 2 {
		t.Errorf("want generation retried on second ask, got %d calls", gen.calls)
	}
	if turns, _ := mem.Recent(ctx, "session-1", 10); len(turns) != 1 {
		t.Errorf("want exactly the recovered turn persisted, got %d", len(turns))
	}
}

func Test_Ask_GeneratorFailureLoggedAsSynthesisError(t *testing.T) {
	t.Parallel()

	cause := errors.New("model exploded")
	gen := &fakeGenerator{err: cause}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "text", 0.9)}}
	svc := newTestService(t, gen, search, nil)

	h := &recordingHandler{}
	ctx := logging.WithLogger(context.Background(), slog.New(h))

	if _, err := svc.Ask(ctx, Request{Query: "q"}); err != nil {
		t.Fatalf("provider failure must not propagate, got %v", err)
	}

	var found *kb.SynthesisError
	for _, a := range h.attrs {
		if a.Key != "error" {
			continue
		}
		if logged, ok := a.Value.Any().(error); ok {
			errors.As(logged, &found)
		}
	}
	if found == nil {
		t.Fatal("want a *kb.SynthesisError logged for the failed generation")
	}
	if found.Op != "synthesis.generate" {
		t.Errorf("want op synthesis.generate, got %q", found.Op)
	}
	if !errors.Is(found, cause) {
		t.Errorf("want the provider error preserved in the chain, got %v", found)
	}
}

// recordingHandler captures logged attributes for assertions.
type recordingHandler struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.Attrs(func(a slog.Attr) bool {
		h.attrs = append(h.attrs, a)
		return true
	})
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func Test_Ask_RetrievalFailurePropagates(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{err: &kb.RetrievalError{Op: "retrieval.Search", Err: errors.New("index down")}}
	svc := newTestService(t, &fakeGenerator{}, search, nil)

	_, err := svc.Ask(context.Background(), Request{Query: "q"})
	var re *kb.RetrievalError
	if !errors.As(err, &re) {
		t.Errorf("want RetrievalError to propagate, got %v", err)
	}
}

func Test_Ask_EmptyQueryRejected(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &fakeGenerator{}, &fakeSearcher{}, nil)
	_, err := svc.Ask(context.Background(), Request{Query: "   \n\t "})
	if !kb.IsValidation(err) {
		t.Errorf("want ValidationError, got %v", err)
	}
}

func Test_Ask_MemoryTurnsInjectedAndAppended(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gen := &fakeGenerator{reply: "It was decided on Tuesday [Source 1]."}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "text", 0.9)}}
	mem := newFakeMemory()
	svc := newTestService(t, gen, search, mem)

	if _, err := svc.Ask(ctx, Request{Query: "when was it decided?", MemoryKey: "session-1"}); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if _, err := svc.Ask(ctx, Request{Query: "and who decided?", MemoryKey: "session-1"}); err != nil {
		t.Fatalf("second ask: %v", err)
	}

	turns, _ := mem.Recent(ctx, "session-1", 10)
	if len(turns) != 2 {
		t.Fatalf("want 2 persisted turns, got %d", len(turns))
	}

	// The second call's prompt must carry the first turn as user+assistant
	// messages between the system prompt and the context block.
	var sawPriorQuestion bool
	for _, m := range gen.lastMsgs {
		if m.Role == schema.User && m.Content == "when was it decided?" {
			sawPriorQuestion = true
		}
	}
	if !sawPriorQuestion {
		t.Error("prior turn question missing from the second prompt")
	}
}

func Test_AskStream_WritesDeltasAndResolvesCitations(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: "The rollout plan was approved by Alice [Source 1] during standup."}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "standup notes", 0.9)}}
	svc := newTestService(t, gen, search, nil)

	var sb strings.Builder
	got, err := svc.AskStream(context.Background(), Request{Query: "who approved the rollout?"}, &sb)
	if err != nil {
		t.Fatalf("ask stream: %v", err)
	}

	if sb.String() != gen.reply {
		t.Errorf("streamed text mismatch:\nwant %q\ngot  %q", gen.reply, sb.String())
	}
	if got.Text != gen.reply {
		t.Errorf("accumulated answer mismatch: %q", got.Text)
	}
	if len(got.Sources) != 1 {
		t.Errorf("want 1 citation resolved after stream, got %d", len(got.Sources))
	}
}

func Test_AskStream_CacheHitWritesCachedText(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: "Answer [Source 1]."}
	search := &fakeSearcher{results: []kb.RetrievalResult{chunkResult("conv-a", "text", 0.9)}}
	svc := newTestService(t, gen, search, nil)

	if _, err := svc.Ask(context.Background(), Request{Query: "q"}); err != nil {
		t.Fatalf("priming ask: %v", err)
	}

	var sb strings.Builder
	got, err := svc.AskStream(context.Background(), Request{Query: "q"}, &sb)
	if err != nil {
		t.Fatalf("ask stream: %v", err)
	}
	if !got.Meta.Cached {
		t.Error("want cached answer")
	}
	if sb.String() != got.Text {
		t.Errorf("cached text must be written to the stream, got %q", sb.String())
	}
	if gen.calls != 1 {
		t.Errorf("want no second generation, got %d calls", gen.calls)
	}
}

// fakeMemory is a minimal in-test MemoryStore.
type fakeMemory struct {
	turns map[string][]kb.Turn
}

func newFakeMemory() *fakeMemory { return &fakeMemory{turns: make(map[string][]kb.Turn)} }

func (m *fakeMemory) Append(_ context.Context, key string, turn kb.Turn) error {
	m.turns[key] = append(m.turns[key], turn)
	return nil
}

func (m *fakeMemory) Recent(_ context.Context, key string, n int) ([]kb.Turn, error) {
	ts := m.turns[key]
	if n > 0 && len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	return ts, nil
}

func (m *fakeMemory) Clear(_ context.Context, key string) error {
	delete(m.turns, key)
	return nil
}

func (m *fakeMemory) Close() error { return nil }
