// Package synthesis answers natural-language questions over the conversation
// knowledge base. It assembles a token-budgeted context window from retrieved
// chunks, invokes the generation provider, extracts [Source N] citations,
// scores confidence, and manages the response cache and per-session
// conversation memory.
package synthesis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dmorav1/convoqa/internal/answercache"
	"github.com/dmorav1/convoqa/internal/budget"
	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/logging"
	"github.com/dmorav1/convoqa/internal/retrieval"
)

// systemPrompt grounds the generator in the retrieved excerpts and instructs
// it to cite sources with [Source N] markers.
const systemPrompt = `You are ConvoQA, an assistant that answers questions using only the
conversation excerpts provided in the context below.

Rules:
- Base your answer strictly on the provided excerpts. Do not invent facts.
- Cite every claim with the marker of the excerpt it comes from, e.g. [Source 1].
- If the excerpts do not contain the answer, say so plainly.
- Answer concisely in prose. Do not repeat the question.`

const (
	// DefaultMaxQueryChars is the sanitization truncation limit for incoming
	// questions. Longer queries are truncated, not rejected.
	DefaultMaxQueryChars = 2000

	// noInfoAnswer is the deterministic text returned when retrieval finds
	// nothing. The generator is never invoked for this case.
	noInfoAnswer = "I could not find any relevant information in the indexed conversations for this question."

	// degradedAnswer is returned when the generation provider fails. A visible
	// "couldn't answer" beats a crashed request.
	degradedAnswer = "I was unable to generate an answer right now because the language model did not respond. The relevant conversations were found; please retry shortly."
)

// Generator is the narrow generation contract this service depends on.
// eino ChatModel implementations satisfy it directly.
type Generator interface {
	// Generate produces the complete response for the input messages.
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)

	// Stream produces the response incrementally.
	Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)
}

// Searcher is the retrieval contract this service depends on, satisfied by
// *retrieval.Service.
type Searcher interface {
	Search(ctx context.Context, query string, opts retrieval.Options) ([]kb.RetrievalResult, error)
}

// Config holds the dependencies and tuning for a synthesis Service.
type Config struct {
	// Generator is the LLM backend constructed by the provider factory.
	Generator Generator

	// Searcher performs similarity search over the knowledge base.
	Searcher Searcher

	// Memory is the optional per-session conversation memory. Nil disables
	// memory even when requests carry a memory key.
	Memory kb.MemoryStore

	// Cache is the optional TTL response cache. Nil disables caching.
	Cache *answercache.Cache

	// MaxContextTokens is the estimated token budget for retrieved chunk
	// context. Defaults to budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int

	// MemoryTurns is the number of prior turns injected per query when a
	// memory key is supplied. Defaults to 10 if zero.
	MemoryTurns int

	// MaxQueryChars is the sanitization truncation limit. Defaults to
	// DefaultMaxQueryChars if zero.
	MaxQueryChars int
}

// Request is one question-answering call.
type Request struct {
	// Query is the raw user question, sanitized by the service.
	Query string

	// Retrieval holds the search parameters for this call. A zero value uses
	// the retrieval service defaults.
	Retrieval retrieval.Options

	// MemoryKey identifies the conversation session for memory injection and
	// append. Empty disables memory for this call.
	MemoryKey string
}

// Service implements question answering over the knowledge base. The service
// is safe for concurrent use; per-key serialization of cache and memory
// writes is handled by those collaborators.
type Service struct {
	generator        Generator
	searcher         Searcher
	memory           kb.MemoryStore
	cache            *answercache.Cache
	maxContextTokens int
	memoryTurns      int
	maxQueryChars    int
}

// New constructs a synthesis Service from the provided Config.
func New(cfg *Config) (*Service, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("synthesis: Generator must not be nil")
	}
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("synthesis: Searcher must not be nil")
	}

	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	turns := cfg.MemoryTurns
	if turns <= 0 {
		turns = 10
	}
	maxQuery := cfg.MaxQueryChars
	if maxQuery <= 0 {
		maxQuery = DefaultMaxQueryChars
	}

	return &Service{
		generator:        cfg.Generator,
		searcher:         cfg.Searcher,
		memory:           cfg.Memory,
		cache:            cfg.Cache,
		maxContextTokens: maxCtx,
		memoryTurns:      turns,
		maxQueryChars:    maxQuery,
	}, nil
}

// Ask answers a question and returns the synthesized answer with citations,
// confidence, and call metadata. Generation-provider failures never propagate:
// the service degrades to an explanatory low-confidence answer instead.
// Retrieval failures do propagate — there is no safe degraded answer for
// "could not search".
func (s *Service) Ask(ctx context.Context, req Request) (*kb.Answer, error) {
	start := time.Now()

	query, err := s.sanitize(req.Query)
	if err != nil {
		return nil, err
	}

	cacheKey := answercache.Key(query, req.Retrieval)
	if s.cache != nil {
		if cached, ok := s.cache.Get(cacheKey); ok {
			cached.Meta.Cached = true
			cached.Meta.Latency = time.Since(start)
			return &cached, nil
		}
	}

	results, err := s.searcher.Search(ctx, query, req.Retrieval)
	if err != nil {
		return nil, err
	}

	var answer kb.Answer
	if len(results) == 0 {
		// Designed short-circuit, not an error path: nothing retrieved means
		// nothing to ground an answer in, so the generator is never invoked.
		answer = kb.Answer{Text: noInfoAnswer, Confidence: 0}
	} else {
		answer = s.generate(ctx, query, req.MemoryKey, results, nil)
	}
	answer.Meta.Retrieved = len(results)
	answer.Meta.Latency = time.Since(start)

	s.finish(ctx, cacheKey, query, req.MemoryKey, &answer)
	return &answer, nil
}

// AskStream answers a question like Ask but writes text increments to w as
// they arrive from the provider. Citation extraction, confidence scoring,
// memory append, and cache fill run on the accumulated text once the stream
// completes. Cache hits write the cached text to w in one piece.
func (s *Service) AskStream(ctx context.Context, req Request, w io.Writer) (*kb.Answer, error) {
	start := time.Now()

	query, err := s.sanitize(req.Query)
	if err != nil {
		return nil, err
	}

	cacheKey := answercache.Key(query, req.Retrieval)
	if s.cache != nil {
		if cached, ok := s.cache.Get(cacheKey); ok {
			cached.Meta.Cached = true
			cached.Meta.Latency = time.Since(start)
			if _, err := io.WriteString(w, cached.Text); err != nil {
				return nil, fmt.Errorf("synthesis: stream write: %w", err)
			}
			return &cached, nil
		}
	}

	results, err := s.searcher.Search(ctx, query, req.Retrieval)
	if err != nil {
		return nil, err
	}

	var answer kb.Answer
	if len(results) == 0 {
		answer = kb.Answer{Text: noInfoAnswer, Confidence: 0}
		if _, err := io.WriteString(w, answer.Text); err != nil {
			return nil, fmt.Errorf("synthesis: stream write: %w", err)
		}
	} else {
		answer = s.generate(ctx, query, req.MemoryKey, results, w)
	}
	answer.Meta.Retrieved = len(results)
	answer.Meta.Latency = time.Since(start)

	s.finish(ctx, cacheKey, query, req.MemoryKey, &answer)
	return &answer, nil
}

// sanitize trims the query, collapses internal whitespace runs, and truncates
// beyond the configured maximum length. Empty-after-trim input is a
// ValidationError.
func (s *Service) sanitize(query string) (string, error) {
	q := strings.Join(strings.Fields(query), " ")
	if q == "" {
		return "", &kb.ValidationError{Op: "synthesis.Ask", Reason: "query is empty"}
	}
	if runes := []rune(q); len(runes) > s.maxQueryChars {
		q = string(runes[:s.maxQueryChars])
	}
	return q, nil
}

// generate runs the provider call for a non-empty result set and assembles
// the answer. When w is non-nil the provider is streamed and each delta is
// written to w; otherwise a single blocking generation is used. Provider
// failures degrade to an explanatory answer with the failure class in the
// metadata — they are never returned as errors.
func (s *Service) generate(ctx context.Context, query, memoryKey string, results []kb.RetrievalResult, w io.Writer) kb.Answer {
	// Source markers number the chunks that survive the budget, so trimming
	// must happen before the context block is rendered.
	kept := budget.FitChunks(results, s.maxContextTokens, sourceMarkerOverheadTokens)
	messages := s.buildMessages(ctx, query, memoryKey, kept)

	text, failureClass := s.invoke(ctx, messages, w)
	if failureClass != "" {
		return kb.Answer{
			Text:       degradedAnswer,
			Confidence: 0,
			Meta: kb.AnswerMeta{
				ContextChunks: len(kept),
				PromptTokens:  budget.EstimateMessages(messages),
				FailureClass:  failureClass,
			},
		}
	}

	sources := sourcesFor(text, kept)

	return kb.Answer{
		Text:       text,
		Sources:    sources,
		Confidence: confidence(text, len(sources), len(kept)),
		Meta: kb.AnswerMeta{
			ContextChunks: len(kept),
			PromptTokens:  budget.EstimateMessages(messages),
			AnswerTokens:  budget.Estimate(text),
		},
	}
}

// invoke calls the generator, streaming to w when it is non-nil. It returns
// the full answer text, or a non-empty failure class when the provider failed.
func (s *Service) invoke(ctx context.Context, messages []*schema.Message, w io.Writer) (string, string) {
	if w == nil {
		msg, err := s.generator.Generate(ctx, messages)
		if err != nil {
			genErr := &kb.SynthesisError{Op: "synthesis.generate", Err: err}
			logging.FromContext(ctx).Warn("generation failed, degrading answer", slog.Any("error", genErr))
			return "", failureClass(ctx, genErr)
		}
		return msg.Content, ""
	}

	sr, err := s.generator.Stream(ctx, messages)
	if err != nil {
		genErr := &kb.SynthesisError{Op: "synthesis.stream", Err: err}
		logging.FromContext(ctx).Warn("generation stream failed, degrading answer", slog.Any("error", genErr))
		return "", failureClass(ctx, genErr)
	}
	defer sr.Close()

	var sb strings.Builder
	for {
		msg, err := sr.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			genErr := &kb.SynthesisError{Op: "synthesis.stream", Err: err}
			logging.FromContext(ctx).Warn("generation stream broke mid-answer, degrading answer", slog.Any("error", genErr))
			return "", failureClass(ctx, genErr)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		sb.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return "", "stream_write_failed"
		}
	}
	return sb.String(), ""
}

// buildMessages assembles the prompt: system instructions, prior memory turns
// oldest-first, the [Source N] context block, and the user question.
func (s *Service) buildMessages(ctx context.Context, query, memoryKey string, kept []kb.RetrievalResult) []*schema.Message {
	messages := []*schema.Message{schema.SystemMessage(systemPrompt)}

	if s.memory != nil && memoryKey != "" {
		turns, err := s.memory.Recent(ctx, memoryKey, s.memoryTurns)
		if err != nil {
			// Memory failure is non-fatal — answer without dialogue context.
			logging.FromContext(ctx).Warn("memory: failed to load prior turns", slog.Any("error", err))
		}
		for _, t := range turns {
			messages = append(messages, schema.UserMessage(t.Question))
			messages = append(messages, schema.AssistantMessage(t.Answer, nil))
		}
	}

	messages = append(messages, schema.SystemMessage(buildContext(kept)))
	messages = append(messages, schema.UserMessage(query))
	return messages
}

// finish runs the post-answer bookkeeping shared by Ask and AskStream:
// memory append and cache fill. Both are best-effort. Degraded
// provider-failure answers are returned directly without either step —
// caching one would keep serving the failure text after the provider
// recovers, and it carries no value as dialogue history.
func (s *Service) finish(ctx context.Context, cacheKey, query, memoryKey string, answer *kb.Answer) {
	if answer.Meta.FailureClass != "" {
		return
	}
	if s.memory != nil && memoryKey != "" {
		turn := kb.Turn{Question: query, Answer: answer.Text, At: time.Now()}
		if err := s.memory.Append(ctx, memoryKey, turn); err != nil {
			logging.FromContext(ctx).Warn("memory: failed to persist turn", slog.Any("error", err))
		}
	}
	if s.cache != nil {
		s.cache.Put(cacheKey, *answer)
	}
}

// failureClass maps a provider failure to the metadata class name.
func failureClass(ctx context.Context, err error) string {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return "timeout"
	case ctx.Err() == context.Canceled:
		return "canceled"
	default:
		_ = err
		return "provider_error"
	}
}
