package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmorav1/convoqa/internal/answercache"
	"github.com/dmorav1/convoqa/internal/ingestion"
	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/retrieval"
	"github.com/dmorav1/convoqa/internal/synthesis"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry is the Prometheus registry metrics are registered into and
	// served from. A fresh registry is created when nil, which keeps tests
	// hermetic.
	Registry *prometheus.Registry
}

// asker is the interface the ask handlers call to synthesize an answer.
// *synthesis.Service satisfies it; tests inject a fake.
type asker interface {
	Ask(ctx context.Context, req synthesis.Request) (*kb.Answer, error)
	AskStream(ctx context.Context, req synthesis.Request, w io.Writer) (*kb.Answer, error)
}

// searcher is the interface handleSearch calls for raw retrieval.
// *retrieval.Service satisfies it.
type searcher interface {
	Search(ctx context.Context, query string, opts retrieval.Options) ([]kb.RetrievalResult, error)
}

// ingester is the interface handleIngest calls to index a transcript.
// *ingestion.Pipeline satisfies it.
type ingester interface {
	Ingest(ctx context.Context, t *ingestion.Transcript, progress func(msg string)) (*ingestion.Stats, error)
}

// Server is the HTTP server exposing the question-answering API.
type Server struct {
	// asker answers questions over the knowledge base.
	asker asker
	// searcher performs raw similarity search for /api/search.
	searcher searcher
	// ingester indexes transcripts for /api/ingest. Nil disables the endpoint.
	ingester ingester
	// cache is the answer cache invalidated after ingestion. May be nil.
	cache *answercache.Cache
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askRequest is the JSON body for POST /api/ask and /api/ask/stream.
type askRequest struct {
	// Question is the user's natural-language question.
	Question string `json:"question"`
	// TopK overrides the default result count. Optional.
	TopK int `json:"topK,omitempty"`
	// MinSimilarity drops weaker matches. Optional.
	MinSimilarity float64 `json:"minSimilarity,omitempty"`
	// Author restricts retrieval to one speaker. Optional.
	Author string `json:"author,omitempty"`
	// AuthorType restricts retrieval to a speaker class. Optional.
	AuthorType string `json:"authorType,omitempty"`
	// MemoryKey identifies the session for conversation memory. Optional.
	MemoryKey string `json:"memoryKey,omitempty"`
}

// retrievalOptions converts the request's retrieval fields.
func (r *askRequest) retrievalOptions() retrieval.Options {
	return retrieval.Options{
		TopK:          r.TopK,
		MinSimilarity: r.MinSimilarity,
		Author:        r.Author,
		AuthorType:    kb.AuthorType(r.AuthorType),
	}
}

// sourceJSON is the wire form of one cited or searched chunk.
type sourceJSON struct {
	ConversationID    string  `json:"conversationId"`
	ConversationTitle string  `json:"conversationTitle,omitempty"`
	Source            string  `json:"source,omitempty"`
	Author            string  `json:"author"`
	Text              string  `json:"text"`
	Similarity        float64 `json:"similarity"`
}

// askResponse is the JSON response for POST /api/ask.
type askResponse struct {
	// Answer is the synthesized answer text.
	Answer string `json:"answer"`
	// Sources lists the cited excerpts in first-appearance order.
	Sources []sourceJSON `json:"sources"`
	// Confidence is the heuristic confidence score in [0,1].
	Confidence float64 `json:"confidence"`
	// Cached reports whether the answer was served from the response cache.
	Cached bool `json:"cached"`
	// Retrieved is the number of chunks retrieval returned.
	Retrieved int `json:"retrieved"`
	// LatencyMS is the wall-clock duration of the call in milliseconds.
	LatencyMS int64 `json:"latencyMs"`
}

// searchRequest is the JSON body for POST /api/search.
type searchRequest struct {
	Query         string  `json:"query"`
	TopK          int     `json:"topK,omitempty"`
	MinSimilarity float64 `json:"minSimilarity,omitempty"`
	Author        string  `json:"author,omitempty"`
	AuthorType    string  `json:"authorType,omitempty"`
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	Results []sourceJSON `json:"results"`
}

// ingestResponse is the JSON response for POST /api/ingest.
type ingestResponse struct {
	// ConversationID is the identity the transcript was indexed under.
	ConversationID string `json:"conversationId"`
	// Chunks is the number of chunks produced and indexed.
	Chunks int `json:"chunks"`
}

// toSourceJSON converts a retrieval result to its wire form.
func toSourceJSON(r kb.RetrievalResult) sourceJSON {
	return sourceJSON{
		ConversationID:    r.Chunk.ConversationID,
		ConversationTitle: r.ConversationTitle,
		Source:            r.ConversationSource,
		Author:            r.Chunk.Author,
		Text:              r.Chunk.Text,
		Similarity:        r.Similarity,
	}
}
