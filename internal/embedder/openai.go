package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmorav1/convoqa/internal/kb"
)

// OpenAIEmbedder implements kb.Embedder using the OpenAI embeddings REST API.
// It is safe for concurrent use.
//
// The hosted API is network-bound and rate-limited, so transient failures
// (HTTP 429, 5xx, timeouts) are retried with exponential backoff up to a
// configured attempt ceiling before surfacing as a kb.EmbeddingError.
// Non-transient failures (auth errors, malformed requests) surface
// immediately without retrying.
type OpenAIEmbedder struct {
	// baseURL is the API base (e.g. "https://api.openai.com/v1").
	baseURL string
	// apiKey is the Bearer token.
	apiKey string
	// model is the embedding model name (e.g. "text-embedding-3-small").
	model string
	// target is the system-wide embedding dimension.
	target int
	// maxAttempts is the total number of tries per batch (first call + retries).
	maxAttempts int
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// OpenAIConfig holds the settings for constructing an OpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is the API base URL. Defaults to "https://api.openai.com/v1".
	BaseURL string
	// APIKey is the authentication key.
	APIKey string
	// Model is the embedding model name (e.g. "text-embedding-3-small").
	Model string
	// TargetDimensions is the system-wide embedding dimension.
	TargetDimensions int
	// MaxAttempts is the total number of tries per batch. Defaults to 3.
	MaxAttempts int
	// Timeout bounds each HTTP request. Defaults to 30s if zero.
	Timeout time.Duration
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder from the given config.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	target := cfg.TargetDimensions
	if target <= 0 {
		target = DefaultTargetDimensions
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		target:      target,
		maxAttempts: attempts,
		client:      &http.Client{Timeout: timeout},
	}
}

// openaiEmbedRequest is the JSON body sent to the embeddings endpoint.
type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// openaiEmbedResponse is the JSON body returned from the embeddings endpoint.
type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed converts a batch of texts into embeddings with a single API call per
// attempt. The returned slice is parallel to the input slice.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([]kb.Embedding, error) {
	const op = "embedder.Embed"
	if len(texts) == 0 {
		return nil, nil
	}
	if err := validateTexts(op, "openai", texts); err != nil {
		return nil, err
	}

	var raw [][]float32
	attempt := func() error {
		var err error
		raw, err = e.callEmbed(ctx, texts)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, &kb.EmbeddingError{Op: op, Provider: "openai", Err: err}
	}

	embeddings := make([]kb.Embedding, len(raw))
	for i, v := range raw {
		embeddings[i] = newEmbedding(v, e.target, "openai/"+e.model)
	}
	return embeddings, nil
}

// EmbedOne converts a single text into its embedding.
func (e *OpenAIEmbedder) EmbedOne(ctx context.Context, text string) (kb.Embedding, error) {
	embeddings, err := e.Embed(ctx, []string{text})
	if err != nil {
		return kb.Embedding{}, err
	}
	return embeddings[0], nil
}

// callEmbed performs one HTTP round-trip to /embeddings. Non-retryable
// failures are wrapped in backoff.Permanent so the retry policy stops early.
func (e *OpenAIEmbedder) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body := openaiEmbedRequest{Input: texts, Model: e.model}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		// Network errors and timeouts are transient — retryable.
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != nil {
			msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, result.Error.Message)
		}
		if retryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("openai: %s", msg)
		}
		return nil, backoff.Permanent(fmt.Errorf("openai: %s", msg))
	}

	if len(result.Data) != len(texts) {
		return nil, backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data)))
	}

	// The API may return data out of order; place by index.
	raw := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, backoff.Permanent(fmt.Errorf("index %d out of range [0, %d)", d.Index, len(texts)))
		}
		raw[d.Index] = d.Embedding
	}
	return raw, nil
}

// retryableStatus reports whether an HTTP status code indicates a transient
// condition worth retrying: rate limits and server-side failures.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
