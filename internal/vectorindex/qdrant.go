// Package vectorindex provides kb.VectorIndex implementations: a Qdrant-backed
// index for production and an in-memory brute-force index for tests and local
// development. The index contract is deliberately narrow — upsert vectors,
// return nearest neighbors with raw L2 distances, delete by conversation —
// so the retrieval layer owns all scoring and ranking semantics.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/dmorav1/convoqa/internal/kb"
)

// Payload field names used for chunk attribution in the Qdrant collection.
const (
	fieldContent    = "content"
	fieldConvID     = "conversation_id"
	fieldConvTitle  = "conversation_title"
	fieldConvSource = "conversation_source"
	fieldConvTime   = "conversation_time"
	fieldAuthor     = "author"
	fieldAuthorType = "author_type"
	fieldChunkIndex = "chunk_index"
	fieldMsgCount   = "message_count"
	fieldFirstTS    = "first_ts"
	fieldLastTS     = "last_ts"
	fieldEmbedModel = "embedding_model"
)

// QdrantConfig holds connection parameters for a Qdrant vector index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the stored embeddings. Must equal
	// the system target embedding dimension.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// Qdrant implements kb.VectorIndex backed by a Qdrant instance. The
// collection is created with Euclid (L2) distance so raw distances compose
// with the retrieval layer's 1/(1+d) similarity transform.
type Qdrant struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrant creates a Qdrant index, ensuring the target collection exists
// (creating it if necessary), and returns a ready-to-use kb.VectorIndex.
func NewQdrant(ctx context.Context, cfg *QdrantConfig) (*Qdrant, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &Qdrant{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size: s.cfg.VectorSize,
			// Euclid, not Cosine: the retrieval layer's similarity transform
			// is defined over L2 distance end-to-end.
			Distance: qdrant.Distance_Euclid,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}
	return nil
}

// Upsert stores a batch of embedded chunks with their conversation
// attribution. Every chunk must carry an embedding at the collection's
// vector size.
func (s *Qdrant) Upsert(ctx context.Context, chunks []kb.Chunk, title, source string) error {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if c.Embedding == nil {
			return fmt.Errorf("qdrant: chunk %d of conversation %s has no embedding", c.Index, c.ConversationID)
		}

		payload := map[string]any{
			fieldContent:    c.Text,
			fieldConvID:     c.ConversationID,
			fieldConvTitle:  title,
			fieldConvSource: source,
			fieldConvTime:   c.LastTimestamp.Unix(),
			fieldAuthor:     c.Author,
			fieldAuthorType: string(c.AuthorType),
			fieldChunkIndex: int64(c.Index),
			fieldMsgCount:   int64(c.MessageCount),
			fieldFirstTS:    c.FirstTimestamp.Unix(),
			fieldLastTS:     c.LastTimestamp.Unix(),
			fieldEmbedModel: c.Embedding.Model,
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(c)),
			Vectors: qdrant.NewVectors(c.Embedding.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// pointID derives a deterministic UUID for a chunk so re-ingesting the same
// conversation overwrites points instead of duplicating them.
func pointID(c kb.Chunk) string {
	if c.ID != "" {
		return c.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", c.ConversationID, c.Index))).String()
}

// Search returns up to limit nearest neighbors for the query vector, ordered
// by ascending L2 distance.
func (s *Qdrant) Search(ctx context.Context, vector []float32, limit int) ([]kb.Neighbor, error) {
	lim := uint64(limit)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	neighbors := make([]kb.Neighbor, 0, len(results))
	for _, r := range results {
		n := kb.Neighbor{
			// With a Euclid collection the reported score is the raw L2
			// distance (ascending order).
			Distance: float64(r.Score),
			Chunk:    kb.Chunk{ID: r.Id.GetUuid()},
		}
		if p := r.Payload; p != nil {
			n.Chunk.Text = p[fieldContent].GetStringValue()
			n.Chunk.ConversationID = p[fieldConvID].GetStringValue()
			n.Chunk.Author = p[fieldAuthor].GetStringValue()
			n.Chunk.AuthorType = kb.AuthorType(p[fieldAuthorType].GetStringValue())
			n.Chunk.Index = int(p[fieldChunkIndex].GetIntegerValue())
			n.Chunk.MessageCount = int(p[fieldMsgCount].GetIntegerValue())
			n.ConversationTitle = p[fieldConvTitle].GetStringValue()
			n.ConversationSource = p[fieldConvSource].GetStringValue()
			n.ConversationTime = p[fieldConvTime].GetIntegerValue()
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}

// Delete removes all points belonging to the given conversation.
func (s *Qdrant) Delete(ctx context.Context, conversationID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(fieldConvID, conversationID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// Ping calls the Qdrant HealthCheck RPC. Satisfies the server package's
// readiness probe contract.
func (s *Qdrant) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Name returns the readiness probe label for this dependency.
func (s *Qdrant) Name() string { return "qdrant" }

// Close closes the underlying Qdrant gRPC connection.
func (s *Qdrant) Close() error {
	return s.client.Close()
}
