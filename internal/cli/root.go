// Package cli implements the guardian command-line tool.
package cli

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewRootCmd builds the guardian command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "guardian",
		Short: "Guardian - risk analysis for AI-generated technical content",
		Long: `Guardian scores AI-generated technical content for factual accuracy,
unsupported claims, risky absolute statements and leaked secrets.

Run an analysis locally against the built-in rules and knowledge base, or
send it to a running guardian-server over gRPC.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newAnalyzeCmd(),
		newKBCmd(),
		newRulesCmd(),
		newKeysCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// stderrLogger reports warnings (skipped entries, reloads) on w.
func stderrLogger(w io.Writer) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.WarnLevel))
}
