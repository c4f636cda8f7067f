// Package main provides the CLI entry point for idlehands, a coding-agent
// Turn Orchestrator.
//
// idlehands drives a single coding-agent conversation loop: it talks to an
// OpenAI-compatible chat completions endpoint, dispatches tool calls under
// guard rails (schema validation, safety screening, repetition detection),
// and remembers durable facts about a project across sessions.
//
// # Basic usage
//
// Ask a one-shot question:
//
//	idlehands ask "what does internal/loopguard do?"
//
// Inspect or seed the session config:
//
//	idlehands config init
//	idlehands config show
//
// Query the Memory Store directly:
//
//	idlehands vault note mykey "some fact worth remembering"
//	idlehands vault search "fact"
//
// # Environment variables
//
//   - IDLEHANDS_CONFIG: path to the session config file (default: idlehands.yaml)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: chat completions API credentials
//   - IDLEHANDS_BASE_URL: override the chat completions base URL
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "idlehands:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "idlehands",
		Short:         "A guarded coding-agent turn orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(buildAskCmd())
	root.AddCommand(buildConfigCmd())
	root.AddCommand(buildVaultCmd())
	root.AddCommand(buildStatusCmd())
	root.AddCommand(buildVersionCmd())

	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "idlehands %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
