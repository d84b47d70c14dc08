package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra/host/internal/auth"
	"github.com/orchestra/host/internal/storage"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage viewer authentication tokens",
	}
	cmd.AddCommand(
		newTokenNewCmd(opts),
		newTokenListCmd(opts),
		newTokenRevokeCmd(opts),
	)
	return cmd
}

// withTokens opens the database and runs fn with a token manager.
func withTokens(opts *rootOptions, fn func(m *auth.Manager) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(auth.NewManager(store, nil))
}

func newTokenNewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "new <name>",
		Short: "Issue a token. It is printed once and cannot be shown again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(opts, func(m *auth.Manager) error {
				tok, raw, err := m.Issue(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Token ID: %s\n", tok.ID)
				fmt.Fprintf(out, "Token:    %s\n", raw)
				return nil
			})
		},
	}
}

func newTokenListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List issued tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(opts, func(m *auth.Manager) error {
				tokens, err := m.List()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(tokens) == 0 {
					fmt.Fprintln(out, "No tokens issued.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST USED")
				for _, tok := range tokens {
					lastUsed := "never"
					if !tok.LastUsed.IsZero() {
						lastUsed = tok.LastUsed.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						tok.ID, tok.Name, tok.CreatedAt.Local().Format(time.DateTime), lastUsed)
				}
				return w.Flush()
			})
		},
	}
}

func newTokenRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(opts, func(m *auth.Manager) error {
				if err := m.Revoke(args[0]); err != nil {
					if errors.Is(err, auth.ErrInvalidToken) {
						return fmt.Errorf("no token with id %s", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
				return nil
			})
		},
	}
}
