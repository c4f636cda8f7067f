package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildStatusCmd reports whether a chat endpoint credential and vault are
// reachable, without running a full ask.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			out := cmd.OutOrStdout()

			cfg, err := loadOrDefaultConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Fprintf(out, "idlehands %s (commit %s)\n", version, commit)
			fmt.Fprintf(out, "config: %s\n", configPath)
			fmt.Fprintf(out, "approval mode: %s\n", cfg.ApprovalMode)

			if apiKeyFromEnv() == "" {
				fmt.Fprintln(out, "chat endpoint: no API key found (set OPENAI_API_KEY, ANTHROPIC_API_KEY, or IDLEHANDS_API_KEY)")
			} else {
				fmt.Fprintln(out, "chat endpoint: credential present")
			}

			v, err := openVault("")
			if err != nil {
				fmt.Fprintf(out, "vault: unavailable (%v)\n", err)
				return nil
			}
			defer v.Close()
			fmt.Fprintln(out, "vault: ready")

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to config file")
	return cmd
}
