package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage-ai/guardian/internal/bootstrap"
	"github.com/triage-ai/guardian/internal/engine"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule sets and scoring policies",
	}
	cmd.AddCommand(newRulesValidateCmd())
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	var policyFile string
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Compile a rule set (default: built-in) and print its summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			rules, err := bootstrap.LoadRules(path)
			if err != nil {
				return err
			}

			policy, err := engine.LoadScoringPolicy(policyFile)
			if err != nil {
				return err
			}
			agg, err := policy.Apply(engine.DefaultAggregatorConfig())
			if err != nil {
				return err
			}

			s := rules.Summarize()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rule set %q OK\n", s.Version)
			fmt.Fprintf(out, "  Risk patterns:      %d (threshold %.2f)\n", s.RiskPatterns, policy.EffectiveRiskThreshold(s.RiskThreshold))
			fmt.Fprintf(out, "  Security patterns:  %d\n", s.SecurityRules)
			fmt.Fprintf(out, "  Source claims:      %d (%d citation forms, pass ratio %.2f)\n", s.SourceClaims, s.Citations, s.CitePassRatio)
			fmt.Fprintf(out, "  Languages:          %s\n", strings.Join(s.Languages, ", "))
			fmt.Fprintf(out, "  Domains:            %s\n", strings.Join(s.Domains, ", "))
			fmt.Fprintf(out, "  Intents:            %s\n", strings.Join(s.Intents, ", "))
			fmt.Fprintf(out, "Scoring: low<%.2f medium<%.2f high<%.2f, gate at %s\n",
				agg.LowThreshold, agg.MediumThreshold, agg.HighThreshold, agg.GateSeverity)
			return nil
		},
	}
	cmd.Flags().StringVar(&policyFile, "policy", "", "Also validate a scoring policy YAML file")
	return cmd
}
