package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/logging"
	"github.com/dmorav1/convoqa/internal/retrieval"
)

// NewSearchCmd constructs the `convoqa search` command, which runs raw
// similarity search without answer synthesis. Useful for inspecting what
// the index would hand to the generator.
func NewSearchCmd() *cobra.Command {
	var topK int
	var minSimilarity float64
	var author string
	var authorType string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the indexed conversations without generating an answer",
		Long: `Run similarity search over the ingested conversation chunks and print
the matches with their scores. No LLM is involved.

Examples:
  convoqa search "database migration"
  convoqa search --top-k 10 --min-similarity 0.3 "incident postmortem"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			emb, err := buildEmbedder()
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			idx, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer func() { _ = idx.Close() }()

			retriever, err := retrieval.New(emb, idx, getEnvInt("RETRIEVAL_TOP_K", 0), getEnvFloat("RETRIEVAL_MIN_SIMILARITY", 0))
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			results, err := retriever.Search(ctx, args[0], retrieval.Options{
				TopK:          topK,
				MinSimilarity: minSimilarity,
				Author:        author,
				AuthorType:    parseAuthorType(authorType),
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if len(results) == 0 {
				fmt.Println("no matching conversations")
				return nil
			}
			for i, r := range results {
				title := r.ConversationTitle
				if title == "" {
					title = r.Chunk.ConversationID
				}
				fmt.Printf("%d. %s — %s  (similarity %.3f", i+1, title, r.Chunk.Author, r.Similarity)
				if !r.Chunk.LastTimestamp.IsZero() {
					fmt.Printf(", %s", r.Chunk.LastTimestamp.Format(time.RFC3339))
				}
				fmt.Println(")")
				fmt.Printf("   %s\n", excerpt(r.Chunk.Text, 200))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Maximum number of results (0 = default)")
	cmd.Flags().Float64Var(&minSimilarity, "min-similarity", 0, "Drop results below this similarity")
	cmd.Flags().StringVar(&author, "author", "", "Only match chunks attributed to this author")
	cmd.Flags().StringVar(&authorType, "author-type", "", "Only match chunks by author type (human, assistant, system)")

	return cmd
}

// parseAuthorType maps a CLI flag value to a kb.AuthorType. Unknown values
// fall through unchanged so the filter simply matches nothing.
func parseAuthorType(s string) kb.AuthorType {
	switch s {
	case "human":
		return kb.AuthorHuman
	case "assistant":
		return kb.AuthorAssistant
	case "system":
		return kb.AuthorSystem
	default:
		return kb.AuthorType(s)
	}
}

// excerpt truncates s to at most n runes, appending an ellipsis when cut.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
