package server

import (
	"log/slog"
	"net/http"

	"github.com/dmorav1/convoqa/internal/ingestion"
	"github.com/dmorav1/convoqa/internal/logging"
)

// handleIngest handles POST /api/ingest: the body is one transcript document
// (JSON with a messages array) which is chunked, embedded, and indexed.
// Cached answers are invalidated on success so they reflect the new content.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		http.Error(w, "ingestion not configured", http.StatusNotImplemented)
		return
	}
	log := logging.FromContext(r.Context())

	t, err := ingestion.ParseTranscript(r.Body, "api-upload.json")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := s.ingester.Ingest(r.Context(), t, func(msg string) {
		log.Info("ingest progress", slog.String("step", msg))
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if s.cache != nil {
		s.cache.Invalidate()
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		ConversationID: stats.ConversationID,
		Chunks:         stats.Chunks,
	})
}
