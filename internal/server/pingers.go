package server

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/qdrant/go-client/qdrant"

	"github.com/dmorav1/convoqa/internal/synthesis"
)

// GeneratorPinger probes the generation backend by sending a minimal
// single-token generate request. It satisfies the Pinger interface and is
// used by GET /api/ready.
type GeneratorPinger struct {
	// generator is the chat model to probe.
	generator synthesis.Generator
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewGeneratorPinger constructs a GeneratorPinger for the given model and
// backend name.
func NewGeneratorPinger(g synthesis.Generator, name string) *GeneratorPinger {
	return &GeneratorPinger{generator: g, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *GeneratorPinger) Name() string { return p.name }

// Ping sends a one-word generate request. Consumes a few tokens per probe,
// so /api/ready should not be polled aggressively.
func (p *GeneratorPinger) Ping(ctx context.Context) error {
	resp, err := p.generator.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
// Returns nil if Qdrant is reachable, or a descriptive error otherwise.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// NamedPinger adapts any reachability probe function into a Pinger, used for
// dependencies (like the embedder) that expose Ping without a label.
type NamedPinger struct {
	// label identifies the dependency in readiness responses.
	label string
	// probe is the reachability check.
	probe func(ctx context.Context) error
}

// NewNamedPinger constructs a NamedPinger from a label and probe function.
func NewNamedPinger(label string, probe func(ctx context.Context) error) *NamedPinger {
	return &NamedPinger{label: label, probe: probe}
}

// Name returns the dependency label used in readiness responses.
func (p *NamedPinger) Name() string { return p.label }

// Ping runs the probe.
func (p *NamedPinger) Ping(ctx context.Context) error { return p.probe(ctx) }
