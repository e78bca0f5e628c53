package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/keyring"
)

func NewTokenCommand() *cobra.Command {
	var serverURL string

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the coordination server token",
		Long: `Manage the bearer token used to register this node with the coordination
server. Tokens are kept in the system keyring, keyed by server URL.`,
	}
	tokenCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (defaults to server_url from the config)")

	resolveServer := func() (string, error) {
		server := strings.TrimRight(serverURL, "/")
		if server == "" {
			server = core.Config.ServerURL
		}
		if server == "" {
			return "", errors.New("no server configured: set server_url in config.hcl or pass --server")
		}
		return server, nil
	}

	setCmd := &cobra.Command{
		Use:   "set [token]",
		Short: "Store the token, prompting for it when not given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := resolveServer()
			if err != nil {
				return err
			}

			var token string
			if len(args) == 1 {
				token = strings.TrimSpace(args[0])
			} else if token, err = keyring.PromptToken(server); err != nil {
				return err
			}
			if token == "" {
				return errors.New("token must not be empty")
			}

			if err := keyring.NewStore().SetToken(server, token); err != nil {
				return fmt.Errorf("failed to store token: %w", err)
			}
			slog.Info("Token stored in keyring", "server", server)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm"},
		Short:   "Remove the stored token",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := resolveServer()
			if err != nil {
				return err
			}
			if err := keyring.NewStore().DeleteToken(server); err != nil {
				if errors.Is(err, keyring.ErrNoToken) {
					slog.Warn("No token stored", "server", server)
					return nil
				}
				return fmt.Errorf("failed to delete token: %w", err)
			}
			slog.Info("Token removed from keyring", "server", server)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a token is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := resolveServer()
			if err != nil {
				return err
			}
			if keyring.NewStore().HasToken(server) {
				fmt.Printf("Token stored for %s\n", server)
			} else {
				fmt.Printf("No token stored for %s\n", server)
			}
			return nil
		},
	}

	tokenCmd.AddCommand(setCmd, deleteCmd, statusCmd)
	return tokenCmd
}
