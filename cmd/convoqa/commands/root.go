// Package commands defines all Cobra CLI commands for the convoqa binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/dmorav1/convoqa/internal/audit"
	"github.com/dmorav1/convoqa/internal/config"
	"github.com/dmorav1/convoqa/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "convoqa",
		Short: "ConvoQA — question answering over your conversation history",
		Long: `ConvoQA turns exported conversation transcripts (Slack, meetings, chat
logs) into a searchable knowledge base you can ask questions in natural
language.

Transcripts are chunked, embedded, and indexed in Qdrant; answers are
synthesized by an LLM with [Source N] citations back to the conversations
they came from.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.convoqa/config.yaml).
See 'convoqa --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.convoqa/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewSearchCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
