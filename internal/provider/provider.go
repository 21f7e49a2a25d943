// Package provider selects and constructs the LLM backend used for answer
// synthesis. Supported backends: Ollama, OpenAI, Azure OpenAI, Google Gemini.
package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
)

// Backend enumerates the supported generation providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// Config holds provider-level configuration resolved from the application
// config file or environment.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	// Model is the model name or deployment ID (e.g. "gpt-4o", "llama3").
	Model string

	// BaseURL overrides the default API endpoint (required for Ollama and Azure).
	BaseURL string

	// APIKey is the authentication credential for the selected provider.
	APIKey string

	// AzureDeployment is the Azure OpenAI deployment name (Azure only).
	AzureDeployment string

	// AzureAPIVersion is the Azure OpenAI REST API version (Azure only),
	// e.g. "2024-02-01".
	AzureAPIVersion string

	// MaxTokens caps the number of tokens the model may generate per answer.
	MaxTokens int

	// Temperature controls response randomness (0.0-1.0). Answer synthesis
	// wants low temperature so answers stay grounded in the retrieved context.
	Temperature float32
}

// Validate checks that the config names a known backend and carries the
// fields that backend requires. Run at startup so misconfiguration surfaces
// before the first question.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		// BaseURL and Model have defaults.
	case BackendOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("provider: api key is required for openai backend")
		}
	case BackendAzure:
		if c.APIKey == "" {
			return fmt.Errorf("provider: api key is required for azure backend")
		}
		if c.BaseURL == "" {
			return fmt.Errorf("provider: endpoint is required for azure backend")
		}
		if c.AzureDeployment == "" {
			return fmt.Errorf("provider: deployment is required for azure backend")
		}
	case BackendGemini:
		if c.APIKey == "" {
			return fmt.Errorf("provider: api key is required for gemini backend")
		}
	default:
		return fmt.Errorf("provider: unknown backend %q — valid values: ollama, openai, azure, gemini", c.Backend)
	}
	return nil
}

// New constructs a ChatModel from an explicit Config, delegating to the
// appropriate backend constructor. It validates the config first so callers
// get a clear error at startup rather than on the first request.
func New(ctx context.Context, cfg *Config) (model.ChatModel, error) { //nolint:staticcheck // SA1019: model.ChatModel deprecated upstream; migration tracked separately
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendOllama:
		return newOllama(ctx, cfg)
	case BackendOpenAI:
		return newOpenAI(ctx, cfg)
	case BackendAzure:
		return newAzure(ctx, cfg)
	case BackendGemini:
		return newGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("provider: unknown backend %q", cfg.Backend)
	}
}
