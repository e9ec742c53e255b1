package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/triage-ai/guardian/internal/bootstrap"
	"github.com/triage-ai/guardian/internal/knowledge"
	"github.com/triage-ai/guardian/internal/store"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect and validate knowledge base documents",
	}
	cmd.AddCommand(newKBValidateCmd(), newKBListCmd(), newKBImportCmd())
	return cmd
}

func newKBValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check every entry of a knowledge base document against the entry schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc struct {
				Topics map[string]yaml.Node `yaml:"topics"`
			}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			// Load logs each rejected entry on stderr.
			base, err := knowledge.Load(data, stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if bad := len(doc.Topics) - base.Len(); bad > 0 {
				return fmt.Errorf("%s: %d of %d entries are invalid", args[0], bad, len(doc.Topics))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: version %q, %d topics OK\n", args[0], base.Version(), base.Len())
			return nil
		},
	}
}

func newKBListCmd() *cobra.Command {
	var kbFile, dsn string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge base topics",
		Long: `List the topics of the built-in knowledge base, a document given with
--kb, or the Postgres knowledge store given with --dsn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				entries []knowledge.Entry
				version string
			)
			if dsn != "" {
				rows, err := withStore(cmd.Context(), dsn, func(ctx context.Context, s *store.Store) ([]*store.KnowledgeRow, error) {
					return s.ListEntries(ctx)
				})
				if err != nil {
					return err
				}
				for _, r := range rows {
					entries = append(entries, r.Entry)
				}
				version = "postgres"
			} else {
				base, err := bootstrap.LoadKnowledge(kbFile, stderrLogger(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				entries, version = base.Entries(), base.Version()
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version %s, %d topics\n\n", version, len(entries))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tNAME\tCREATED BY\tFIRST RELEASE\tLANGUAGE\tFACTS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					e.Topic, e.DisplayName(), e.CreatedBy, e.FirstRelease, e.Language, len(e.Facts))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&kbFile, "kb", "", "Path to a knowledge base YAML file (default: built-in)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN of a knowledge store")
	return cmd
}

func newKBImportCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert every entry of a knowledge base document into the Postgres store",
		Long: `Upsert every valid entry of a document into the knowledge store. Running
servers pick the entries up on their next restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errNoDSN
			}
			base, err := knowledge.LoadFile(args[0], stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			n, err := withStore(cmd.Context(), dsn, func(ctx context.Context, s *store.Store) (int, error) {
				for i, e := range base.Entries() {
					if _, err := s.UpsertEntry(ctx, e); err != nil {
						return i, err
					}
				}
				return base.Len(), nil
			})
			if err != nil {
				return fmt.Errorf("imported %d entries before failing: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "Postgres DSN (default: $POSTGRES_DSN)")
	return cmd
}
