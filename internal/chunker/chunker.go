// Package chunker splits ordered conversation transcripts into bounded,
// speaker-attributed content chunks ready for embedding. Chunking is a pure,
// synchronous transformation with no I/O — a single call never blocks and is
// safe to run from any goroutine.
package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/dmorav1/convoqa/internal/kb"
)

// Params controls how a transcript is split into chunks.
type Params struct {
	// MaxChars is the maximum number of characters per chunk.
	// Defaults to 1000 if zero.
	MaxChars int

	// OverlapChars is the number of trailing characters carried into the
	// next chunk when a single message is hard-split across chunks.
	// Defaults to 0; clamped to MaxChars/10 when it would otherwise leave
	// no room for new content.
	OverlapChars int

	// BreakOnSpeakerChange closes the current chunk whenever the author of
	// the next message differs from the chunk's current author.
	BreakOnSpeakerChange bool
}

// messageSeparator joins consecutive messages merged into one chunk.
const messageSeparator = "\n"

// normalize applies the default and clamping rules to p.
func (p Params) normalize() Params {
	if p.MaxChars <= 0 {
		p.MaxChars = 1000
	}
	if p.OverlapChars < 0 {
		p.OverlapChars = 0
	}
	if p.OverlapChars >= p.MaxChars {
		p.OverlapChars = p.MaxChars / 10
	}
	return p
}

// builder accumulates one chunk under construction.
type builder struct {
	text        strings.Builder
	runeLen     int
	authors     []string
	authorTypes []kb.AuthorType
	msgCount    int
	firstTS     int64
	lastTS      int64
	firstTime   bool
	chunk       kb.Chunk
}

// Chunk splits the ordered transcript messages of one conversation into
// ordered chunks per the configured params.
//
// Rules:
//   - empty and whitespace-only messages are dropped before chunking;
//   - a new chunk starts on speaker change (when enabled) or when appending
//     the next message would exceed MaxChars;
//   - a message individually longer than MaxChars is hard-split at the
//     character boundary, each piece becoming its own chunk, with
//     OverlapChars of trailing text carried across each split;
//   - chunk order indices are contiguous from 0 and preserve transcript order.
//
// An empty input yields an empty output, not an error.
func Chunk(conversationID string, messages []kb.Message, params Params) []kb.Chunk {
	p := params.normalize()

	var (
		chunks []kb.Chunk
		cur    = newBuilder()
	)

	flush := func() {
		if cur.msgCount == 0 {
			return
		}
		chunks = append(chunks, cur.finish(conversationID, len(chunks)))
		cur = newBuilder()
	}

	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}

		if p.BreakOnSpeakerChange && cur.msgCount > 0 && cur.lastAuthor() != msg.Author {
			flush()
		}

		// MaxChars counts characters, not bytes, so multibyte transcripts
		// are never cut mid-rune.
		textRunes := utf8.RuneCountInString(text)

		if textRunes > p.MaxChars {
			// Oversized message: close whatever is buffered, then hard-split
			// the message into its own sequence of chunks.
			flush()
			for _, piece := range hardSplit(text, p.MaxChars, p.OverlapChars) {
				cur.add(msg, piece)
				flush()
			}
			continue
		}

		if cur.msgCount > 0 && cur.runeLen+len(messageSeparator)+textRunes > p.MaxChars {
			flush()
		}

		cur.add(msg, text)
	}
	flush()

	return chunks
}

// hardSplit cuts text into pieces of at most maxChars characters, carrying
// overlap trailing characters of each piece into the next to preserve local
// context across the split. Splitting indexes runes, not bytes, so every
// piece is valid UTF-8.
func hardSplit(text string, maxChars, overlap int) []string {
	step := maxChars - overlap
	if step <= 0 {
		step = maxChars
	}

	runes := []rune(text)
	var pieces []string
	for start := 0; start < len(runes); start += step {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return pieces
}

// newBuilder returns an empty chunk builder.
func newBuilder() *builder {
	return &builder{}
}

// add appends one message piece to the chunk under construction.
func (b *builder) add(msg kb.Message, text string) {
	if b.msgCount > 0 {
		b.text.WriteString(messageSeparator)
		b.runeLen += len(messageSeparator)
	}
	b.text.WriteString(text)
	b.runeLen += utf8.RuneCountInString(text)
	b.msgCount++

	if len(b.authors) == 0 || b.authors[len(b.authors)-1] != msg.Author {
		if !containsAuthor(b.authors, msg.Author) {
			b.authors = append(b.authors, msg.Author)
			b.authorTypes = append(b.authorTypes, msg.AuthorType)
		}
	}

	if !msg.Timestamp.IsZero() {
		if b.chunk.FirstTimestamp.IsZero() {
			b.chunk.FirstTimestamp = msg.Timestamp
		}
		b.chunk.LastTimestamp = msg.Timestamp
	}
}

// lastAuthor returns the author of the most recently added message.
func (b *builder) lastAuthor() string {
	if len(b.authors) == 0 {
		return ""
	}
	return b.authors[len(b.authors)-1]
}

// finish seals the builder into a kb.Chunk with the given order index.
func (b *builder) finish(conversationID string, index int) kb.Chunk {
	c := b.chunk
	c.ConversationID = conversationID
	c.Index = index
	c.Text = b.text.String()
	c.Author = strings.Join(b.authors, ", ")
	if len(b.authorTypes) > 0 {
		c.AuthorType = b.authorTypes[0]
	}
	c.MessageCount = b.msgCount
	return c
}

// containsAuthor reports whether name is already attributed on the chunk.
func containsAuthor(authors []string, name string) bool {
	for _, a := range authors {
		if a == name {
			return true
		}
	}
	return false
}
