package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/dmorav1/convoqa/internal/answercache"
	"github.com/dmorav1/convoqa/internal/chunker"
	"github.com/dmorav1/convoqa/internal/ingestion"
	"github.com/dmorav1/convoqa/internal/logging"
	"github.com/dmorav1/convoqa/internal/memory"
	"github.com/dmorav1/convoqa/internal/provider"
	"github.com/dmorav1/convoqa/internal/retrieval"
	"github.com/dmorav1/convoqa/internal/server"
	"github.com/dmorav1/convoqa/internal/synthesis"
	"github.com/dmorav1/convoqa/internal/tracing"
)

// NewServeCmd constructs the `convoqa serve` command, which starts the HTTP
// API server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ConvoQA HTTP API server",
		Long: `Start the ConvoQA HTTP server on localhost.

The server exposes a REST/SSE API: POST /api/ask and /api/ask/stream for
question answering, /api/search for raw similarity search, /api/ingest for
transcript upload, plus health, readiness, and Prometheus metrics endpoints.

Examples:
  convoqa serve
  convoqa serve --port 9090
  MODEL_PROVIDER=azure convoqa serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", getEnvOrDefault("MODEL_PROVIDER", "ollama")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			emb, err := buildEmbedder()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			idx, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = idx.Close() }()

			retriever, err := retrieval.New(emb, idx, getEnvInt("RETRIEVAL_TOP_K", 0), getEnvFloat("RETRIEVAL_MIN_SIMILARITY", 0))
			if err != nil {
				return fmt.Errorf("serve: failed to initialise retrieval: %w", err)
			}

			providerCfg := providerConfigFromEnv()
			chatModel, err := provider.New(ctx, providerCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised", slog.String("provider", string(providerCfg.Backend)))

			memoryTurns := getEnvInt("SYNTHESIS_MEMORY_TURNS", memory.DefaultMaxTurns)
			mem := buildMemory(log, memoryTurns)
			defer func() { _ = mem.Close() }()

			cache, stopCache := answercache.New(getEnvDuration("SYNTHESIS_CACHE_TTL", answercache.DefaultTTL))
			defer stopCache()

			synth, err := synthesis.New(&synthesis.Config{
				Generator:        chatModel,
				Searcher:         retriever,
				Memory:           mem,
				Cache:            cache,
				MaxContextTokens: getEnvInt("SYNTHESIS_MAX_CONTEXT_TOKENS", 0),
				MemoryTurns:      memoryTurns,
				MaxQueryChars:    getEnvInt("SYNTHESIS_MAX_QUERY_CHARS", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to initialise synthesis: %w", err)
			}

			pipeline, err := ingestion.NewPipeline(emb, idx, ingestion.Config{
				Chunking: chunker.Params{
					MaxChars:             getEnvInt("CHUNK_MAX_CHARS", 0),
					OverlapChars:         getEnvInt("CHUNK_OVERLAP_CHARS", 0),
					BreakOnSpeakerChange: os.Getenv("CHUNK_BREAK_ON_SPEAKER") == "true",
				},
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create ingestion pipeline: %w", err)
			}

			pingers := buildPingers(emb, idx, chatModel, string(providerCfg.Backend))

			srv, err := server.New(server.Deps{
				Asker:    synth,
				Searcher: retriever,
				Ingester: pipeline,
				Cache:    cache,
			}, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   pingers,
				APIKey:    os.Getenv("CONVOQA_API_KEY"),
				RateLimit: getEnvFloat("SERVER_RATE_LIMIT", 0),
				RateBurst: getEnvInt("SERVER_RATE_BURST", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// pingable is any dependency exposing a named reachability probe.
type pingable interface {
	Ping(ctx context.Context) error
	Name() string
}

// buildPingers assembles the readiness probes for /api/ready. The embedder
// only contributes a probe when its backend supports one (the hashing
// embedder has nothing to reach).
func buildPingers(emb any, idx pingable, gen synthesis.Generator, backend string) []server.Pinger {
	var pingers []server.Pinger

	if p, ok := emb.(pingable); ok {
		pingers = append(pingers, server.NewNamedPinger(p.Name(), p.Ping))
	}
	pingers = append(pingers,
		server.NewNamedPinger(idx.Name(), idx.Ping),
		server.NewGeneratorPinger(gen, backend),
	)
	return pingers
}
