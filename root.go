package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the credential service CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credgate",
		Short: "Credential and session service",
		Long: `credgate issues and verifies access and refresh tokens, stores
password hashes and handles password resets behind a rate-limited HTTP API.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHashPasswordCmd())

	return cmd
}
