package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmorav1/convoqa/internal/kb"
)

// loadState tracks the lazy model warm-up lifecycle of an OllamaEmbedder.
type loadState int

const (
	// stateUninitialized means no warm-up has been attempted yet.
	stateUninitialized loadState = iota
	// stateLoading means one caller is currently warming the model up;
	// concurrent callers block until it finishes.
	stateLoading
	// stateReady means the model is resident and requests can proceed.
	stateReady
	// stateFailed means the last warm-up attempt failed; the next caller
	// retries rather than failing permanently.
	stateFailed
)

// OllamaEmbedder implements kb.Embedder using the Ollama /api/embed endpoint.
// It is safe for concurrent use. No API key is required — Ollama runs locally.
//
// Loading an embedding model into Ollama's memory is slow, so the embedder
// defers the warm-up request until the first Embed call rather than paying
// the cost at construction time. Concurrent first callers block on a single
// warm-up; the model is loaded exactly once.
type OllamaEmbedder struct {
	// host is the Ollama server base URL (e.g. "http://localhost:11434").
	host string
	// model is the embedding model name (e.g. "nomic-embed-text").
	model string
	// target is the system-wide embedding dimension.
	target int
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client

	// mu guards state and loaded below.
	mu sync.Mutex
	// state is the current warm-up lifecycle state.
	state loadState
	// loaded is closed when an in-flight warm-up settles (in either
	// direction); waiters re-check state after it closes.
	loaded chan struct{}
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "nomic-embed-text").
	Model string
	// TargetDimensions is the system-wide embedding dimension.
	TargetDimensions int
	// Timeout bounds each HTTP request. Defaults to 60s if zero.
	Timeout time.Duration
}

// NewOllamaEmbedder constructs an OllamaEmbedder from the given config.
// The model is not loaded here — see the lazy warm-up on first use.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	target := cfg.TargetDimensions
	if target <= 0 {
		target = DefaultTargetDimensions
	}
	return &OllamaEmbedder{
		host:   cfg.Host,
		model:  cfg.Model,
		target: target,
		client: &http.Client{Timeout: timeout},
		state:  stateUninitialized,
	}
}

// ollamaEmbedRequest is the JSON body sent to the Ollama /api/embed endpoint.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the JSON body returned from the Ollama /api/embed endpoint.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// ensureLoaded performs the once-only lazy warm-up. The first caller issues
// a minimal embed request so Ollama pulls the model into memory; concurrent
// callers block until that request settles. A failed warm-up moves the state
// to Failed, and the next caller retries the load.
func (e *OllamaEmbedder) ensureLoaded(ctx context.Context) error {
	for {
		e.mu.Lock()
		switch e.state {
		case stateReady:
			e.mu.Unlock()
			return nil

		case stateUninitialized, stateFailed:
			e.state = stateLoading
			e.loaded = make(chan struct{})
			done := e.loaded
			e.mu.Unlock()

			_, err := e.callEmbed(ctx, []string{"warmup"})

			e.mu.Lock()
			if err != nil {
				e.state = stateFailed
			} else {
				e.state = stateReady
			}
			close(done)
			e.mu.Unlock()

			if err != nil {
				return fmt.Errorf("model warm-up: %w", err)
			}
			return nil

		case stateLoading:
			done := e.loaded
			e.mu.Unlock()
			select {
			case <-done:
				// Re-check the state: the load may have failed, in which
				// case this caller takes over the retry.
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Embed converts a batch of texts into embeddings with a single Ollama call.
// The returned slice is parallel to the input slice.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([]kb.Embedding, error) {
	const op = "embedder.Embed"
	if len(texts) == 0 {
		return nil, nil
	}
	if err := validateTexts(op, "ollama", texts); err != nil {
		return nil, err
	}
	if err := e.ensureLoaded(ctx); err != nil {
		return nil, &kb.EmbeddingError{Op: op, Provider: "ollama", Err: err}
	}

	raw, err := e.callEmbed(ctx, texts)
	if err != nil {
		return nil, &kb.EmbeddingError{Op: op, Provider: "ollama", Err: err}
	}

	embeddings := make([]kb.Embedding, len(raw))
	for i, v := range raw {
		embeddings[i] = newEmbedding(v, e.target, "ollama/"+e.model)
	}
	return embeddings, nil
}

// EmbedOne converts a single text into its embedding.
func (e *OllamaEmbedder) EmbedOne(ctx context.Context, text string) (kb.Embedding, error) {
	embeddings, err := e.Embed(ctx, []string{text})
	if err != nil {
		return kb.Embedding{}, err
	}
	return embeddings[0], nil
}

// callEmbed performs one HTTP round-trip to /api/embed.
func (e *OllamaEmbedder) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body := ollamaEmbedRequest{Model: e.model, Input: texts}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := e.host + "/api/embed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != "" {
			msg = result.Error
		}
		return nil, fmt.Errorf("ollama: %s", msg)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

// Ping checks that the Ollama server is reachable. Satisfies the server
// package's readiness probe contract.
func (e *OllamaEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Name returns the readiness probe label for this dependency.
func (e *OllamaEmbedder) Name() string { return "ollama" }
