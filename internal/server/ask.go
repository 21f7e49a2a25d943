package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/synthesis"
)

// handleAsk handles POST /api/ask: it synthesizes a complete answer and
// returns it as one JSON document.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	answer, err := s.asker.Ask(r.Context(), synthesis.Request{
		Query:     req.Question,
		Retrieval: req.retrievalOptions(),
		MemoryKey: req.MemoryKey,
	})
	if err != nil {
		s.metrics.askRequestsTotal.WithLabelValues(outcomeFor(err)).Inc()
		writeAskError(w, err)
		return
	}

	s.metrics.askRequestsTotal.WithLabelValues("ok").Inc()
	s.metrics.askDurationSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, toAskResponse(answer))
}

// handleAskStream handles POST /api/ask/stream. It streams the answer text
// over Server-Sent Events as it is generated, then emits a final "answer"
// event carrying the full JSON result with citations and confidence.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	s.metrics.askActiveStreams.Inc()
	defer s.metrics.askActiveStreams.Dec()

	// sseWriter wraps the ResponseWriter to emit SSE-formatted data events.
	sw := &sseWriter{w: w, flusher: flusher}

	answer, err := s.asker.AskStream(r.Context(), synthesis.Request{
		Query:     req.Question,
		Retrieval: req.retrievalOptions(),
		MemoryKey: req.MemoryKey,
	}, sw)
	if err != nil {
		s.metrics.askRequestsTotal.WithLabelValues(outcomeFor(err)).Inc()
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		flusher.Flush()
		return
	}

	s.metrics.askRequestsTotal.WithLabelValues("ok").Inc()
	s.metrics.askDurationSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	// Final event: the structured answer for clients that want citations and
	// confidence after rendering the streamed text.
	payload, _ := json.Marshal(toAskResponse(answer))
	fmt.Fprintf(w, "event: answer\ndata: %s\n\n", payload)
	fmt.Fprintf(w, "event: done\ndata: [DONE]\n\n")
	flusher.Flush()
}

// toAskResponse converts a synthesized answer to its wire form.
func toAskResponse(a *kb.Answer) askResponse {
	sources := make([]sourceJSON, 0, len(a.Sources))
	for _, src := range a.Sources {
		sources = append(sources, toSourceJSON(src))
	}
	return askResponse{
		Answer:     a.Text,
		Sources:    sources,
		Confidence: a.Confidence,
		Cached:     a.Meta.Cached,
		Retrieved:  a.Meta.Retrieved,
		LatencyMS:  a.Meta.Latency.Milliseconds(),
	}
}

// writeAskError maps service errors to HTTP statuses: validation failures are
// the caller's fault (400), everything else is a dependency failure (502).
func writeAskError(w http.ResponseWriter, err error) {
	if kb.IsValidation(err) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}

// outcomeFor maps an error to the metrics outcome label.
func outcomeFor(err error) string {
	var ve *kb.ValidationError
	if errors.As(err, &ve) {
		return "invalid"
	}
	return "error"
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
