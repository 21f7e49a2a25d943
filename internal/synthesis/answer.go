package synthesis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dmorav1/convoqa/internal/kb"
)

// sourceMarkerOverheadTokens is the estimated per-chunk token cost of the
// source marker and attribution line wrapped around each chunk in the context
// block.
const sourceMarkerOverheadTokens = 12

// buildContext renders the retained chunks into the context block offered to
// the generator. Markers are 1-based so they read naturally in answers.
func buildContext(kept []kb.RetrievalResult) string {
	var sb strings.Builder
	sb.WriteString("Conversation excerpts:\n\n")
	for i, r := range kept {
		title := r.ConversationTitle
		if title == "" {
			title = r.Chunk.ConversationID
		}
		fmt.Fprintf(&sb, "[Source %d] %s — %s:\n%s\n\n", i+1, r.Chunk.Author, title, r.Chunk.Text)
	}
	return sb.String()
}

// citationPattern matches [Source N] markers in generated text.
var citationPattern = regexp.MustCompile(`\[Source (\d+)\]`)

// extractCitations scans text for [Source N] markers and returns the distinct
// N values in first-appearance order, keeping only values within [1, valid].
// Out-of-range markers are hallucinated references and are discarded.
func extractCitations(text string, valid int) []int {
	var cited []int
	seen := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > valid || seen[n] {
			continue
		}
		seen[n] = true
		cited = append(cited, n)
	}
	return cited
}

// hedgingMarkers are phrases whose presence indicates the generator is
// signalling uncertainty rather than answering.
var hedgingMarkers = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"i am not sure",
	"no information",
	"not mentioned",
	"cannot determine",
	"unclear from",
}

const (
	// confidenceBaseline is the floor component of the score before the
	// citation fraction contribution.
	confidenceBaseline = 0.3

	// citationWeight scales the fraction of offered chunks actually cited.
	citationWeight = 0.6

	// hedgingPenalty is subtracted when the answer contains uncertainty
	// markers.
	hedgingPenalty = 0.2

	// shortAnswerPenalty is subtracted when the answer is below the minimum
	// informative length.
	shortAnswerPenalty = 0.15

	// minInformativeRunes is the answer length below which the short-answer
	// penalty applies.
	minInformativeRunes = 40
)

// confidence computes the deterministic heuristic score for an answer:
// a baseline plus the fraction of offered chunks cited, penalized for hedging
// language and uninformatively short answers, clamped to [0, 1].
func confidence(text string, cited, offered int) float64 {
	score := confidenceBaseline
	if offered > 0 {
		score += citationWeight * float64(cited) / float64(offered)
	}

	lower := strings.ToLower(text)
	for _, marker := range hedgingMarkers {
		if strings.Contains(lower, marker) {
			score -= hedgingPenalty
			break
		}
	}
	if utf8.RuneCountInString(text) < minInformativeRunes {
		score -= shortAnswerPenalty
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// sourcesFor resolves the [Source N] citations in text to the retrieval
// results they reference, in first-appearance order.
func sourcesFor(text string, kept []kb.RetrievalResult) []kb.RetrievalResult {
	cited := extractCitations(text, len(kept))
	out := make([]kb.RetrievalResult, 0, len(cited))
	for _, n := range cited {
		out = append(out, kept[n-1])
	}
	return out
}
