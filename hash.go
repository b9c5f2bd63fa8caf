package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/credgate/backend/internal/service"
)

// NewHashPasswordCmd creates the hash-password subcommand. It prints a bcrypt
// hash suitable for seeding the users table by hand.
func NewHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password",
		Long: `Print the bcrypt hash of a password. The password is read from the first
argument, or from the first line of stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd, args)
			if err != nil {
				return err
			}

			hasher, err := service.NewBcryptHasher(cost, 1)
			if err != nil {
				return oops.Code("CONFIG_INVALID").With("cost", cost).Wrap(err)
			}
			hash, err := hasher.Hash(cmd.Context(), password)
			if err != nil {
				return oops.Code("HASH_FAILED").Wrap(err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", service.DefaultBcryptCost, "bcrypt cost factor")
	return cmd
}

func readPassword(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", oops.Code("INPUT_FAILED").Wrap(err)
		}
		return "", oops.Code("INPUT_FAILED").Errorf("no password given")
	}
	password := strings.TrimRight(scanner.Text(), "\r")
	if password == "" {
		return "", oops.Code("INPUT_FAILED").Errorf("password must not be empty")
	}
	return password, nil
}
