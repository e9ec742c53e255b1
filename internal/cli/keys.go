package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/triage-ai/guardian/internal/auth"
	"github.com/triage-ai/guardian/internal/store"
)

var errNoDSN = errors.New("a Postgres DSN is required (--dsn or $POSTGRES_DSN)")

// withStore opens the store at dsn, creates missing tables and runs fn.
func withStore[T any](ctx context.Context, dsn string, fn func(context.Context, *store.Store) (T, error)) (T, error) {
	var zero T
	db, err := store.Open(ctx, dsn)
	if err != nil {
		return zero, err
	}
	defer db.Close()
	s := store.NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		return zero, err
	}
	return fn(ctx, s)
}

func newKeysCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys stored in Postgres",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errNoDSN
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "Postgres DSN (default: $POSTGRES_DSN)")

	var name, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key; the plaintext key is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type created struct {
				key   *store.APIKey
				plain string
			}
			c, err := withStore(cmd.Context(), dsn, func(ctx context.Context, s *store.Store) (created, error) {
				k, plain, err := s.CreateAPIKey(ctx, name, role)
				return created{k, plain}, err
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s key %q (id %s)\n", c.key.Role, c.key.Name, c.key.ID)
			fmt.Fprintf(out, "\n  %s\n\nStore it now; it cannot be shown again.\n", c.plain)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Key name")
	create.Flags().StringVar(&role, "role", auth.RoleAnalyze, "Key role: analyze or admin")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := withStore(cmd.Context(), dsn, func(ctx context.Context, s *store.Store) ([]*store.APIKey, error) {
				return s.ListAPIKeys(ctx)
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tROLE\tCREATED\tSTATUS")
			for _, k := range keys {
				status := "active"
				if k.RevokedAt != nil {
					status = "revoked " + k.RevokedAt.Format(time.DateOnly)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					k.ID, k.Name, k.KeyPrefix, k.Role, k.CreatedAt.Format(time.DateOnly), status)
			}
			return tw.Flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := withStore(cmd.Context(), dsn, func(ctx context.Context, s *store.Store) (struct{}, error) {
				return struct{}{}, s.RevokeAPIKey(ctx, args[0])
			})
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("no active key with id %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}
