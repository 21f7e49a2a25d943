// Package ingestion implements the conversation ingestion pipeline.
// It parses transcript files, chunks the messages, embeds each chunk, and
// upserts the results into the vector index. This pipeline is invoked by the
// `convoqa ingest` CLI command and the /api/ingest endpoint.
package ingestion

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmorav1/convoqa/internal/kb"
)

// Transcript is the on-disk representation of one conversation export.
type Transcript struct {
	// ID uniquely identifies the conversation. Generated from title and
	// start time when absent.
	ID string `json:"id"`

	// Title is the human-readable conversation title.
	Title string `json:"title"`

	// Source labels the origin platform (slack, chatgpt, meet, email).
	// Inferred from the filename when absent.
	Source string `json:"source"`

	// StartedAt is when the conversation began. Optional.
	StartedAt time.Time `json:"started_at"`

	// Messages is the ordered list of utterances.
	Messages []TranscriptMessage `json:"messages"`
}

// TranscriptMessage is one utterance in a transcript file.
type TranscriptMessage struct {
	// Author is the display name of the speaker.
	Author string `json:"author"`

	// AuthorType classifies the speaker: human, assistant, or system.
	// Defaults to human when absent.
	AuthorType string `json:"author_type"`

	// Text is the utterance content.
	Text string `json:"text"`

	// Timestamp is when the message was sent. Optional.
	Timestamp time.Time `json:"timestamp"`
}

// ParseTranscript decodes a transcript from r and fills in missing identity
// fields. A transcript with no messages is an error; a message with no author
// gets the label "unknown".
func ParseTranscript(r io.Reader, filename string) (*Transcript, error) {
	var t Transcript
	dec := json.NewDecoder(r)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("ingestion: parse %s: %w", filename, err)
	}
	if len(t.Messages) == 0 {
		return nil, fmt.Errorf("ingestion: %s contains no messages", filename)
	}

	if t.Title == "" {
		t.Title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	if t.Source == "" {
		t.Source = InferSource(filename)
	}
	if t.ID == "" {
		t.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(t.Source+"/"+t.Title+"#"+t.StartedAt.UTC().Format(time.RFC3339))).String()
	}
	return &t, nil
}

// KBMessages converts the transcript's messages to the chunker's input model,
// assigning contiguous order indices.
func (t *Transcript) KBMessages() []kb.Message {
	msgs := make([]kb.Message, 0, len(t.Messages))
	for i, m := range t.Messages {
		author := m.Author
		if author == "" {
			author = "unknown"
		}
		msgs = append(msgs, kb.Message{
			Author:     author,
			AuthorType: authorType(m.AuthorType),
			Text:       m.Text,
			Timestamp:  m.Timestamp,
			Index:      i,
		})
	}
	return msgs
}

// authorType maps the transcript's free-form label to the closed set.
func authorType(label string) kb.AuthorType {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "assistant", "ai", "bot":
		return kb.AuthorAssistant
	case "system":
		return kb.AuthorSystem
	default:
		return kb.AuthorHuman
	}
}

// sourceAliases maps filename hints to canonical source labels. Explicit
// "source" fields in the transcript take precedence over inference — this is
// the best-effort fallback when the export omits its origin.
var sourceAliases = map[string]string{
	"slack":    "slack",
	"chatgpt":  "chatgpt",
	"claude":   "claude",
	"meet":     "meet",
	"zoom":     "zoom",
	"teams":    "teams",
	"discord":  "discord",
	"email":    "email",
	"mail":     "email",
	"whatsapp": "whatsapp",
}

// InferSource inspects a transcript filename and returns a best-effort source
// label, or "export" if no known platform hint is present.
//
// Examples:
//
//	slack-export-2024-06.json   -> slack
//	ChatGPT_conversations.json  -> chatgpt
//	standup-notes.json          -> export
func InferSource(filename string) string {
	base := strings.ToLower(filepath.Base(filename))
	for hint, label := range sourceAliases {
		if strings.Contains(base, hint) {
			return label
		}
	}
	return "export"
}
