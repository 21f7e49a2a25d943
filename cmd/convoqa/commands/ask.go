package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/logging"
	"github.com/dmorav1/convoqa/internal/retrieval"
	"github.com/dmorav1/convoqa/internal/synthesis"
)

// NewAskCmd constructs the `convoqa ask` command, which sends a single
// natural language question to the knowledge base and streams the answer to
// stdout.
func NewAskCmd() *cobra.Command {
	var topK int
	var minSimilarity float64
	var author string
	var session string
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question over the indexed conversations",
		Long: `Ask a natural language question over the ingested conversation history.

The answer is streamed to stdout with [Source N] citations; the cited
conversations and the confidence score are printed to stderr afterwards.

Examples:
  convoqa ask "when did we decide to migrate off the old cluster?"
  convoqa ask --author alice "what did Alice say about the rollout?"
  convoqa ask --session standup "and what was the follow-up?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Sessions need memory; one-shot questions do not.
			stack, err := buildQAStack(ctx, log, session != "")
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer stack.Close()

			req := synthesis.Request{
				Query: args[0],
				Retrieval: retrieval.Options{
					TopK:          topK,
					MinSimilarity: minSimilarity,
					Author:        author,
				},
				MemoryKey: session,
			}

			answer, err := stack.synth.AskStream(ctx, req, os.Stdout)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Println()

			if showSources {
				printAnswerFooter(answer)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Maximum number of conversations to retrieve (0 = server default)")
	cmd.Flags().Float64Var(&minSimilarity, "min-similarity", 0, "Drop retrieved chunks below this similarity")
	cmd.Flags().StringVar(&author, "author", "", "Only consider chunks attributed to this author")
	cmd.Flags().StringVar(&session, "session", "", "Session key for multi-turn follow-up questions")
	cmd.Flags().BoolVar(&showSources, "sources", true, "Print cited sources and confidence after the answer")

	return cmd
}

// printAnswerFooter writes the cited sources and confidence to stderr so the
// answer text on stdout stays pipeable.
func printAnswerFooter(a *kb.Answer) {
	if len(a.Sources) > 0 {
		fmt.Fprintln(os.Stderr, "\nSources:")
		for i, src := range a.Sources {
			title := src.ConversationTitle
			if title == "" {
				title = src.Chunk.ConversationID
			}
			fmt.Fprintf(os.Stderr, "  [%d] %s — %s (similarity %.2f)\n",
				i+1, title, src.Chunk.Author, src.Similarity)
		}
	}
	fmt.Fprintf(os.Stderr, "\nConfidence: %.2f  (retrieved %d, %s)\n",
		a.Confidence, a.Meta.Retrieved, a.Meta.Latency.Round(time.Millisecond))
}
