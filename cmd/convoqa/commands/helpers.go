package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dmorav1/convoqa/internal/answercache"
	"github.com/dmorav1/convoqa/internal/embedder"
	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/memory"
	"github.com/dmorav1/convoqa/internal/provider"
	"github.com/dmorav1/convoqa/internal/retrieval"
	"github.com/dmorav1/convoqa/internal/synthesis"
	"github.com/dmorav1/convoqa/internal/vectorindex"
)

// getEnvOrDefault returns the env var value, or fallback if unset/empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the env var parsed as int, or fallback on absence or
// parse failure.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvFloat returns the env var parsed as float64, or fallback on absence
// or parse failure.
func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvFloat32 returns the env var parsed as float32, or fallback.
func getEnvFloat32(key string, fallback float32) float32 {
	return float32(getEnvFloat(key, float64(fallback)))
}

// getEnvDuration returns the env var parsed as a time.Duration (e.g. "5m"),
// or fallback on absence or parse failure.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// buildEmbedder constructs the embedding backend from env vars resolved by
// the config layer.
func buildEmbedder() (kb.Embedder, error) {
	cfg := &embedder.Config{
		Provider:         embedder.Provider(getEnvOrDefault("EMBEDDING_PROVIDER", "ollama")),
		Model:            os.Getenv("EMBEDDING_MODEL"),
		Endpoint:         os.Getenv("EMBEDDING_ENDPOINT"),
		APIKey:           os.Getenv("EMBEDDING_API_KEY"),
		TargetDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 0),
		MaxAttempts:      getEnvInt("EMBEDDING_MAX_ATTEMPTS", 0),
	}
	emb, err := embedder.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	return emb, nil
}

// buildIndex connects to Qdrant using env-resolved settings and returns the
// vector index. The caller owns the returned Close.
func buildIndex(ctx context.Context, log *slog.Logger) (*vectorindex.Qdrant, error) {
	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("QDRANT_COLLECTION", "conversations")
	dims := getEnvInt("EMBEDDING_DIMENSIONS", embedder.DefaultTargetDimensions)

	idx, err := vectorindex.NewQdrant(ctx, &vectorindex.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: collection,
		VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}
	log.Info("qdrant index ready",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("collection", collection),
	)
	return idx, nil
}

// providerConfigFromEnv assembles the generation backend config from
// env-resolved settings.
func providerConfigFromEnv() *provider.Config {
	backend := provider.Backend(getEnvOrDefault("MODEL_PROVIDER", "ollama"))

	cfg := &provider.Config{
		Backend:     backend,
		MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 0),
		Temperature: getEnvFloat32("MODEL_TEMPERATURE", 0),
	}

	switch backend {
	case provider.BackendOllama:
		cfg.BaseURL = os.Getenv("OLLAMA_HOST")
		cfg.Model = os.Getenv("OLLAMA_MODEL")
	case provider.BackendOpenAI:
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		cfg.Model = getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")
	case provider.BackendAzure:
		cfg.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
		cfg.BaseURL = os.Getenv("AZURE_OPENAI_ENDPOINT")
		cfg.Model = os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		cfg.AzureDeployment = os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		cfg.AzureAPIVersion = os.Getenv("AZURE_OPENAI_API_VERSION")
	case provider.BackendGemini:
		cfg.APIKey = os.Getenv("GOOGLE_API_KEY")
		cfg.Model = getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash")
	}

	return cfg
}

// buildMemory opens the conversation memory store. CONVOQA_MEMORY_DB
// overrides the default path (~/.convoqa/memory.db); "disabled" keeps memory
// in-process only. Falls back to the in-process store when the durable one
// cannot be opened, so memory is always available.
func buildMemory(log *slog.Logger, maxTurns int) kb.MemoryStore {
	dbPath := os.Getenv("CONVOQA_MEMORY_DB")
	if dbPath == "disabled" {
		log.Info("memory: durable store disabled, using in-process memory")
		return memory.NewInMemory(maxTurns)
	}
	if dbPath == "" {
		p, err := memory.DefaultDBPath()
		if err != nil {
			log.Warn("memory: could not resolve default DB path, using in-process memory", slog.Any("error", err))
			return memory.NewInMemory(maxTurns)
		}
		dbPath = p
	}
	store, err := memory.OpenSQLite(dbPath, maxTurns)
	if err != nil {
		log.Warn("memory: failed to open store, using in-process memory", slog.Any("error", err))
		return memory.NewInMemory(maxTurns)
	}
	log.Info("memory: store opened", slog.String("path", dbPath))
	return store
}

// qaStack bundles the wired question-answering dependencies shared by the
// ask, search, and serve commands.
type qaStack struct {
	embedder  kb.Embedder
	index     *vectorindex.Qdrant
	retriever *retrieval.Service
	synth     *synthesis.Service
	memory    kb.MemoryStore
	cache     *answercache.Cache

	// closers run in reverse order on Close.
	closers []func()
}

// Close releases all resources held by the stack.
func (s *qaStack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildQAStack wires embedder → index → retrieval → provider → synthesis
// from env-resolved settings. withMemory controls whether conversation
// memory and the answer cache are attached (the one-shot ask command skips
// both).
func buildQAStack(ctx context.Context, log *slog.Logger, withMemory bool) (*qaStack, error) {
	stack := &qaStack{}

	emb, err := buildEmbedder()
	if err != nil {
		return nil, err
	}
	stack.embedder = emb

	idx, err := buildIndex(ctx, log)
	if err != nil {
		return nil, err
	}
	stack.index = idx
	stack.closers = append(stack.closers, func() { _ = idx.Close() })

	retriever, err := retrieval.New(emb, idx, getEnvInt("RETRIEVAL_TOP_K", 0), getEnvFloat("RETRIEVAL_MIN_SIMILARITY", 0))
	if err != nil {
		stack.Close()
		return nil, fmt.Errorf("failed to initialise retrieval: %w", err)
	}
	stack.retriever = retriever

	providerCfg := providerConfigFromEnv()
	chatModel, err := provider.New(ctx, providerCfg)
	if err != nil {
		stack.Close()
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	log.Info("provider initialised", slog.String("provider", string(providerCfg.Backend)))

	synthCfg := &synthesis.Config{
		Generator:        chatModel,
		Searcher:         retriever,
		MaxContextTokens: getEnvInt("SYNTHESIS_MAX_CONTEXT_TOKENS", 0),
		MaxQueryChars:    getEnvInt("SYNTHESIS_MAX_QUERY_CHARS", 0),
	}

	if withMemory {
		turns := getEnvInt("SYNTHESIS_MEMORY_TURNS", memory.DefaultMaxTurns)
		mem := buildMemory(log, turns)
		stack.memory = mem
		stack.closers = append(stack.closers, func() { _ = mem.Close() })
		synthCfg.Memory = mem
		synthCfg.MemoryTurns = turns

		cache, stopCache := answercache.New(getEnvDuration("SYNTHESIS_CACHE_TTL", answercache.DefaultTTL))
		stack.cache = cache
		stack.closers = append(stack.closers, stopCache)
		synthCfg.Cache = cache
	}

	synth, err := synthesis.New(synthCfg)
	if err != nil {
		stack.Close()
		return nil, fmt.Errorf("failed to initialise synthesis: %w", err)
	}
	stack.synth = synth

	return stack, nil
}
