package ingestion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/dmorav1/convoqa/internal/chunker"
	"github.com/dmorav1/convoqa/internal/kb"
)

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// Chunking holds the chunker parameters applied to every transcript.
	Chunking chunker.Params

	// BatchSize is the number of chunk texts embedded per provider call.
	// Defaults to 64 if zero.
	BatchSize int
}

// Stats summarizes one ingested transcript.
type Stats struct {
	// ConversationID is the identity the transcript was indexed under.
	ConversationID string

	// Chunks is the number of chunks produced and upserted.
	Chunks int
}

// Pipeline orchestrates the parse → chunk → embed → upsert flow for
// conversation transcripts.
type Pipeline struct {
	// embedder converts chunk texts into dense vector embeddings.
	embedder kb.Embedder

	// index persists the embedded chunks.
	index kb.VectorIndex

	// cfg holds the resolved pipeline configuration.
	cfg Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder kb.Embedder, index kb.VectorIndex, cfg Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &Pipeline{embedder: embedder, index: index, cfg: cfg}, nil
}

// IngestFile parses the transcript at path and ingests it. Progress is
// reported via the optional progress callback.
func (p *Pipeline) IngestFile(ctx context.Context, path string, progress func(msg string)) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: open %s: %w", path, err)
	}
	defer f.Close()

	t, err := ParseTranscript(f, path)
	if err != nil {
		return nil, err
	}
	return p.Ingest(ctx, t, progress)
}

// Ingest chunks, embeds, and indexes one transcript. Re-ingesting the same
// conversation replaces its chunks: chunk IDs are deterministic in
// (conversation ID, chunk index), so the upsert overwrites prior points.
// Sources are processed in embedding batches and the first error encountered
// is returned.
func (p *Pipeline) Ingest(ctx context.Context, t *Transcript, progress func(msg string)) (*Stats, error) {
	if progress == nil {
		progress = func(string) {}
	}

	chunks := chunker.Chunk(t.ID, t.KBMessages(), p.cfg.Chunking)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("ingestion: %s produced no chunks (all messages blank?)", t.Title)
	}
	progress(fmt.Sprintf("chunked %q into %d chunks", t.Title, len(chunks)))

	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("ingestion: embedding failed for %q: %w", t.Title, err)
		}

		for i := range batch {
			e := embeddings[i]
			batch[i].Embedding = &e
			batch[i].ID = chunkID(t.ID, batch[i].Index)
		}

		if err := p.index.Upsert(ctx, batch, t.Title, t.Source); err != nil {
			return nil, fmt.Errorf("ingestion: upsert failed for %q: %w", t.Title, err)
		}
		progress(fmt.Sprintf("indexed chunks %d-%d of %q", start, end-1, t.Title))
	}

	progress(fmt.Sprintf("ingested %d chunks from %q", len(chunks), t.Title))
	return &Stats{ConversationID: t.ID, Chunks: len(chunks)}, nil
}

// chunkID generates a deterministic ID for a chunk from its owning
// conversation and chunk index.
func chunkID(conversationID string, index int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", conversationID, index)))
	return fmt.Sprintf("%x", h[:16])
}
