// Command convoqa is the entry point for the ConvoQA conversational knowledge
// base. It provides a CLI interface (via Cobra) and an optional HTTP server
// exposing the question-answering API.
package main

import (
	"fmt"
	"os"

	"github.com/dmorav1/convoqa/cmd/convoqa/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
