package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/idlehands/internal/vault"
)

const defaultVaultName = ".idlehands/vault.db"

func resolveVaultPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("IDLEHANDS_VAULT"); env != "" {
		return env
	}
	return defaultVaultName
}

func openVault(path string) (*vault.Vault, error) {
	path = resolveVaultPath(path)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vault dir %s: %w", dir, err)
		}
	}
	return vault.Open(path, vault.Options{})
}

// buildVaultCmd creates the "vault" command group exercising the Memory
// Store (spec.md §4.3) directly, outside of a live ask loop.
func buildVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Inspect or seed the Memory Store",
	}
	cmd.AddCommand(buildVaultNoteCmd())
	cmd.AddCommand(buildVaultSearchCmd())
	cmd.AddCommand(buildVaultShowCmd())
	return cmd
}

func buildVaultNoteCmd() *cobra.Command {
	var vaultPath string
	cmd := &cobra.Command{
		Use:   "note <key> <value>",
		Short: "Upsert a note entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(vaultPath)
			if err != nil {
				return fmt.Errorf("open vault: %w", err)
			}
			defer v.Close()

			id, err := v.Note(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("write note: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored note %s as %s\n", args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultPath, "vault", "", "Path to the vault database")
	return cmd
}

func buildVaultShowCmd() *cobra.Command {
	var vaultPath string
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print the latest note for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(vaultPath)
			if err != nil {
				return fmt.Errorf("open vault: %w", err)
			}
			defer v.Close()

			entry, err := v.LatestByKey(cmd.Context(), args[0], vault.KindNote)
			if err != nil {
				return fmt.Errorf("lookup key %s: %w", args[0], err)
			}
			if entry == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no entry for key %s\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (updated %s)\n%s\n", entry.Key, entry.UpdatedAt.Format("2006-01-02 15:04:05"), entry.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultPath, "vault", "", "Path to the vault database")
	return cmd
}

func buildVaultSearchCmd() *cobra.Command {
	var vaultPath string
	var limit int
	var projectDir string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(vaultPath)
			if err != nil {
				return fmt.Errorf("open vault: %w", err)
			}
			defer v.Close()

			results, err := v.Search(cmd.Context(), args[0], projectDir, limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			for _, entry := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", entry.Kind, entry.Key, entry.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultPath, "vault", "", "Path to the vault database")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	cmd.Flags().StringVar(&projectDir, "project", "", "Project directory for scoped ranking")
	return cmd
}
