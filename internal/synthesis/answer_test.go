package synthesis

import (
	"strings"
	"testing"

	"github.com/dmorav1/convoqa/internal/kb"
)

func Test_ExtractCitations_OrderAndRange(t *testing.T) {
	t.Parallel()

	text := "First [Source 3], then [Source 1], repeat [Source 3], bogus [Source 0] and [Source 7]."
	got := extractCitations(text, 4)

	want := []int{3, 1}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("citation %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func Test_ExtractCitations_NoneFound(t *testing.T) {
	t.Parallel()

	if got := extractCitations("an answer with no markers at all", 3); len(got) != 0 {
		t.Errorf("want no citations, got %v", got)
	}
}

// longAnswer is comfortably above the short-answer threshold.
var longAnswer = strings.Repeat("The migration was completed on schedule. ", 3)

func Test_Confidence_MoreCitationsScoreHigher(t *testing.T) {
	t.Parallel()

	none := confidence(longAnswer, 0, 4)
	half := confidence(longAnswer, 2, 4)
	all := confidence(longAnswer, 4, 4)

	if !(none < half && half < all) {
		t.Errorf("confidence must rise with cited fraction: %v, %v, %v", none, half, all)
	}
}

func Test_Confidence_HedgingLowersScore(t *testing.T) {
	t.Parallel()

	plain := confidence(longAnswer, 2, 4)
	hedged := confidence(longAnswer+" Although I am not sure about the exact date.", 2, 4)

	if hedged >= plain {
		t.Errorf("hedged answer must score lower: %v >= %v", hedged, plain)
	}
}

func Test_Confidence_ShortAnswerPenalized(t *testing.T) {
	t.Parallel()

	long := confidence(longAnswer, 2, 4)
	short := confidence("Tuesday.", 2, 4)

	if short >= long {
		t.Errorf("short answer must score lower: %v >= %v", short, long)
	}
}

func Test_Confidence_ClampedToUnitInterval(t *testing.T) {
	t.Parallel()

	low := confidence("I don't know.", 0, 4)
	high := confidence(longAnswer, 4, 4)

	if low < 0 || low > 1 || high < 0 || high > 1 {
		t.Errorf("confidence out of [0,1]: low=%v high=%v", low, high)
	}
	if low != 0 {
		t.Errorf("hedged short uncited answer should clamp to 0, got %v", low)
	}
}

func Test_BuildContext_NumbersSourcesFromOne(t *testing.T) {
	t.Parallel()

	ctx := buildContext([]kb.RetrievalResult{
		chunkResult("conv-a", "first excerpt", 0.9),
		chunkResult("conv-b", "second excerpt", 0.8),
	})
	if !strings.Contains(ctx, "[Source 1]") || !strings.Contains(ctx, "[Source 2]") {
		t.Errorf("context missing sequential markers:\n%s", ctx)
	}
	if !strings.Contains(ctx, "first excerpt") || !strings.Contains(ctx, "second excerpt") {
		t.Errorf("context missing chunk text:\n%s", ctx)
	}
}
