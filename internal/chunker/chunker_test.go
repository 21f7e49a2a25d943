package chunker

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dmorav1/convoqa/internal/kb"
)

// msg builds a test message with the given author and text.
func msg(author, text string) kb.Message {
	return kb.Message{Author: author, AuthorType: kb.AuthorHuman, Text: text}
}

func Test_Chunk_SpeakerChangeSplitsChunks(t *testing.T) {
	t.Parallel()

	messages := []kb.Message{
		msg("Alice", "Hi"),
		msg("Alice", "How are you?"),
		msg("Bob", "Fine, thanks"),
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 1000, BreakOnSpeakerChange: true})

	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Errorf("want contiguous indices 0,1, got %d,%d", chunks[0].Index, chunks[1].Index)
	}
	if chunks[0].Author != "Alice" {
		t.Errorf("chunk 0 author: want Alice, got %q", chunks[0].Author)
	}
	if chunks[0].Text != "Hi\nHow are you?" {
		t.Errorf("chunk 0 text: got %q", chunks[0].Text)
	}
	if chunks[1].Author != "Bob" || chunks[1].Text != "Fine, thanks" {
		t.Errorf("chunk 1: got author %q text %q", chunks[1].Author, chunks[1].Text)
	}
	if chunks[0].MessageCount != 2 || chunks[1].MessageCount != 1 {
		t.Errorf("message counts: got %d,%d", chunks[0].MessageCount, chunks[1].MessageCount)
	}
}

func Test_Chunk_EmptyInputYieldsEmptyOutput(t *testing.T) {
	t.Parallel()

	if got := Chunk("conv-1", nil, Params{MaxChars: 100}); len(got) != 0 {
		t.Errorf("nil input: want 0 chunks, got %d", len(got))
	}
	if got := Chunk("conv-1", []kb.Message{}, Params{MaxChars: 100}); len(got) != 0 {
		t.Errorf("empty input: want 0 chunks, got %d", len(got))
	}
}

func Test_Chunk_BlankMessagesDropped(t *testing.T) {
	t.Parallel()

	messages := []kb.Message{
		msg("Alice", "   "),
		msg("Alice", "real content"),
		msg("Alice", "\t\n"),
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 100})
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "real content" {
		t.Errorf("got text %q", chunks[0].Text)
	}
}

func Test_Chunk_SizeLimitRespected(t *testing.T) {
	t.Parallel()

	var messages []kb.Message
	for range 20 {
		messages = append(messages, msg("Alice", strings.Repeat("x", 30)))
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 100})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Text) > 100 {
			t.Errorf("chunk %d exceeds max chars: %d", i, len(c.Text))
		}
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
	}
}

func Test_Chunk_OversizedMessageHardSplit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("abcdefghij", 35) // 350 chars
	chunks := Chunk("conv-1", []kb.Message{msg("Alice", long)}, Params{MaxChars: 100, OverlapChars: 10})

	if len(chunks) < 4 {
		t.Fatalf("expected hard split into >=4 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Text) > 100 {
			t.Errorf("piece %d exceeds max chars: %d", i, len(c.Text))
		}
	}
	// Overlap: each subsequent piece starts with the last 10 chars of the
	// previous piece.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Text
		carry := prev[len(prev)-10:]
		if !strings.HasPrefix(chunks[i].Text, carry) {
			t.Errorf("piece %d missing overlap carry %q, starts with %q", i, carry, chunks[i].Text[:10])
		}
	}
}

func Test_Chunk_MultibyteTextNeverSplitMidRune(t *testing.T) {
	t.Parallel()

	long := "a" + strings.Repeat("привет ", 100)
	messages := []kb.Message{
		msg("Alice", long),
		msg("Alice", strings.Repeat("日本語のテスト", 40)),
		msg("Bob", strings.Repeat("🙂👍", 60)),
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 100, OverlapChars: 10})
	if len(chunks) < 3 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c.Text) {
			t.Errorf("chunk %d contains invalid UTF-8: %q", i, c.Text)
		}
		if n := utf8.RuneCountInString(c.Text); n > 100 {
			t.Errorf("chunk %d exceeds max chars: %d runes", i, n)
		}
	}
}

func Test_Chunk_SizeLimitCountsRunesNotBytes(t *testing.T) {
	t.Parallel()

	// 40 runes, 80 bytes each: two fit in a 100-rune chunk only when the
	// limit counts characters.
	messages := []kb.Message{
		msg("Alice", strings.Repeat("ой", 20)),
		msg("Alice", strings.Repeat("ах", 20)),
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 100})
	if len(chunks) != 1 {
		t.Fatalf("want both messages merged into 1 chunk, got %d", len(chunks))
	}
	if chunks[0].MessageCount != 2 {
		t.Errorf("want 2 messages merged, got %d", chunks[0].MessageCount)
	}
}

func Test_Chunk_ReconstructionCoversOriginalContent(t *testing.T) {
	t.Parallel()

	messages := []kb.Message{
		msg("Alice", "the quick brown fox"),
		msg("Bob", "jumps over"),
		msg("Alice", strings.Repeat("lazy dog ", 40)),
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 80, OverlapChars: 8, BreakOnSpeakerChange: true})

	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c.Text)
		joined.WriteString("\n")
	}
	for _, want := range []string{"the quick brown fox", "jumps over", "lazy dog"} {
		if !strings.Contains(joined.String(), want) {
			t.Errorf("reconstructed text missing %q", want)
		}
	}
}

func Test_Chunk_CompositeAuthorWhenNoSpeakerBreak(t *testing.T) {
	t.Parallel()

	messages := []kb.Message{
		msg("Alice", "one"),
		msg("Bob", "two"),
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 100, BreakOnSpeakerChange: false})
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Author != "Alice, Bob" {
		t.Errorf("want composite author, got %q", chunks[0].Author)
	}
}

func Test_Chunk_TimestampsCarriedToMetadata(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Minute)
	messages := []kb.Message{
		{Author: "Alice", Text: "first", Timestamp: t0},
		{Author: "Alice", Text: "second", Timestamp: t1},
	}

	chunks := Chunk("conv-1", messages, Params{MaxChars: 100})
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if !chunks[0].FirstTimestamp.Equal(t0) || !chunks[0].LastTimestamp.Equal(t1) {
		t.Errorf("timestamps: got %v / %v", chunks[0].FirstTimestamp, chunks[0].LastTimestamp)
	}
}
