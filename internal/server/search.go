package server

import (
	"encoding/json"
	"net/http"

	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/retrieval"
)

// handleSearch handles POST /api/search: raw similarity search without answer
// synthesis, for clients that want the matching excerpts themselves.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	results, err := s.searcher.Search(r.Context(), req.Query, retrieval.Options{
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
		Author:        req.Author,
		AuthorType:    kb.AuthorType(req.AuthorType),
	})
	if err != nil {
		writeAskError(w, err)
		return
	}

	resp := searchResponse{Results: make([]sourceJSON, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, toSourceJSON(res))
	}
	writeJSON(w, http.StatusOK, resp)
}
