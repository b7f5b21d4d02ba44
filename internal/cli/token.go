package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "trail-outbox"
	keyringUser    = "portal-token"
)

// ErrTokenNotFound is returned when no portal token is stored.
var ErrTokenNotFound = errors.New("no portal token stored")

func loadToken() (string, error) {
	token, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrTokenNotFound
	}
	return token, err
}

func TokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the portal token used for enqueued actions",
		Long: `Manage the portal token kept in the OS keyring. The token is stored
with every action enqueued from the CLI and sent as the bearer token when
the action is replayed.`,
		// Keyring access needs no config file.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}

	cmd.AddCommand(tokenSetCommand())
	cmd.AddCommand(tokenDeleteCommand())

	return cmd
}

func tokenSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store the portal token",
		Long: `Store the portal token in the OS keyring. Without --token the token
is read from the first line of standard input.

Examples:
  outboxctl token set --token eyJhbGciOi...
  pass show portal | outboxctl token set`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, _ := cmd.Flags().GetString("token")
			token = strings.TrimSpace(token)
			if token == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("token cannot be empty")
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return errors.New("token cannot be empty")
			}

			if err := keyring.Set(keyringService, keyringUser, token); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Saved portal token.")
			return nil
		},
	}

	cmd.Flags().String("token", "", "Token value (optional, otherwise read from stdin)")

	return cmd
}

func tokenDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored portal token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := keyring.Delete(keyringService, keyringUser)
			if errors.Is(err, keyring.ErrNotFound) {
				return ErrTokenNotFound
			}
			if err != nil {
				return fmt.Errorf("delete token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Deleted portal token.")
			return nil
		},
	}
}
