package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dmorav1/convoqa/internal/chunker"
	"github.com/dmorav1/convoqa/internal/ingestion"
	"github.com/dmorav1/convoqa/internal/logging"
)

// NewIngestCmd constructs the `convoqa ingest` command, which chunks, embeds,
// and indexes transcript files into the vector store.
func NewIngestCmd() *cobra.Command {
	var maxChars int
	var overlapChars int
	var breakOnSpeaker bool
	var batchSize int

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest conversation transcripts into the knowledge base",
		Long: `Chunk, embed, and index JSON transcript files into Qdrant.

A transcript file is a JSON document with a title, optional source and
started_at fields, and an ordered messages array:

  {
    "title": "Q3 planning",
    "source": "meet",
    "messages": [
      {"author": "Alice", "text": "Let's start with the roadmap."},
      {"author": "Bob", "text": "The migration slipped to October."}
    ]
  }

Re-ingesting the same transcript produces the same chunk IDs, so repeated
runs update in place rather than duplicating.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: conversations)
  EMBEDDING_PROVIDER   Embedding backend: ollama, openai, hashing (default: ollama)
  EMBEDDING_*          Provider-specific overrides (see README)

Examples:
  convoqa ingest exports/standup-2026-08-20.json
  convoqa ingest --max-chars 800 --break-on-speaker exports/*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			emb, err := buildEmbedder()
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			idx, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = idx.Close() }()

			params := chunker.Params{
				MaxChars:             maxChars,
				OverlapChars:         overlapChars,
				BreakOnSpeakerChange: breakOnSpeaker,
			}
			if maxChars == 0 {
				params.MaxChars = getEnvInt("CHUNK_MAX_CHARS", 0)
			}
			if overlapChars == 0 {
				params.OverlapChars = getEnvInt("CHUNK_OVERLAP_CHARS", 0)
			}

			pipeline, err := ingestion.NewPipeline(emb, idx, ingestion.Config{
				Chunking:  params,
				BatchSize: batchSize,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			total := 0
			for _, path := range args {
				stats, err := pipeline.IngestFile(ctx, path, func(msg string) {
					log.Info(msg, slog.String("file", path))
				})
				if err != nil {
					return fmt.Errorf("ingest: %s: %w", path, err)
				}
				log.Info("transcript indexed",
					slog.String("file", path),
					slog.String("conversation_id", stats.ConversationID),
					slog.Int("chunks", stats.Chunks),
				)
				total += stats.Chunks
			}

			log.Info("ingestion complete",
				slog.Int("files", len(args)),
				slog.Int("chunks", total),
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "Maximum characters per chunk (0 = default)")
	cmd.Flags().IntVar(&overlapChars, "overlap-chars", 0, "Overlap carried across hard splits (0 = default)")
	cmd.Flags().BoolVar(&breakOnSpeaker, "break-on-speaker", false, "Start a new chunk on every speaker change")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Embedding batch size (0 = default)")

	return cmd
}
