package embedder

import (
	"fmt"
	"time"

	"github.com/dmorav1/convoqa/internal/kb"
)

// Provider enumerates the supported embedding backends. The set is closed:
// selection happens once, here, from resolved configuration — never by
// string dispatch at call sites.
type Provider string

const (
	// ProviderOllama selects the locally running Ollama model runtime.
	ProviderOllama Provider = "ollama"
	// ProviderOpenAI selects the hosted OpenAI embeddings API.
	ProviderOpenAI Provider = "openai"
	// ProviderHashing selects the dependency-free hashing vectorizer.
	ProviderHashing Provider = "hashing"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"
)

// Config holds the resolved settings for constructing an embedder. It is
// produced by the config package; this package never reads the environment.
type Config struct {
	// Provider selects the backend: ollama, openai, or hashing.
	Provider Provider
	// Model is the embedding model name. Ignored by the hashing backend.
	Model string
	// Endpoint overrides the backend's default API endpoint.
	Endpoint string
	// APIKey is the hosted-API credential. Ignored by local backends.
	APIKey string
	// TargetDimensions is the system-wide embedding dimension all backends
	// conform to. Defaults to DefaultTargetDimensions if zero.
	TargetDimensions int
	// MaxAttempts is the total tries per hosted-API batch. Defaults to 3.
	MaxAttempts int
	// Timeout bounds each outbound provider call.
	Timeout time.Duration
}

// New constructs a kb.Embedder for the configured backend.
func New(cfg *Config) (kb.Embedder, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	target := cfg.TargetDimensions
	if target <= 0 {
		target = DefaultTargetDimensions
	}

	switch cfg.Provider {
	case ProviderOllama, "":
		host := cfg.Endpoint
		if host == "" {
			host = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		return NewOllamaEmbedder(&OllamaConfig{
			Host:             host,
			Model:            model,
			TargetDimensions: target,
			Timeout:          cfg.Timeout,
		}), nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: openai backend requires an API key")
		}
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:          cfg.Endpoint,
			APIKey:           cfg.APIKey,
			Model:            model,
			TargetDimensions: target,
			MaxAttempts:      cfg.MaxAttempts,
			Timeout:          cfg.Timeout,
		}), nil

	case ProviderHashing:
		return NewHashingEmbedder(target), nil

	default:
		return nil, fmt.Errorf("embedder: unknown provider %q — valid values: ollama, openai, hashing", cfg.Provider)
	}
}
