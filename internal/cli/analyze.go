package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/guardian/internal/bootstrap"
	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/server"
)

// ErrUnsafe is returned by analyze --fail-unsafe when the verdict is unsafe.
var ErrUnsafe = errors.New("content is not safe")

type analyzeOptions struct {
	domain, intent, source, url string
	minLength                   int

	rulesFile, policyFile, kbFile string
	timeout                       time.Duration

	remote, apiKey string

	format     string
	failUnsafe bool
}

func newAnalyzeCmd() *cobra.Command {
	o := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze content from a file or stdin",
		Long: `Analyze content and print the verdict.

Reads the file named by the argument, or stdin when it is omitted or "-".

  guardian analyze answer.md --domain backend
  echo "React was created by Google." | guardian analyze --format text
  guardian analyze answer.md --remote localhost:9090 --api-key gdn_...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.domain, "domain", "", "Content domain (frontend, backend, devops, ...)")
	f.StringVar(&o.intent, "intent", "", "Content intent (tutorial, reference, ...)")
	f.StringVar(&o.source, "source", "", "Where the content came from")
	f.StringVar(&o.url, "url", "", "URL the content was taken from")
	f.IntVar(&o.minLength, "min-length", 0, "Minimum content length in characters (default 10)")
	f.StringVar(&o.rulesFile, "rules", "", "Path to a rules YAML file (default: built-in)")
	f.StringVar(&o.policyFile, "policy", "", "Path to a scoring policy YAML file")
	f.StringVar(&o.kbFile, "kb", "", "Path to a knowledge base YAML file (default: built-in)")
	f.DurationVar(&o.timeout, "timeout", 5*time.Second, "Analysis timeout")
	f.StringVar(&o.remote, "remote", "", "Address of a guardian-server gRPC endpoint")
	f.StringVar(&o.apiKey, "api-key", os.Getenv("GUARDIAN_API_KEY"), "API key for --remote")
	f.StringVar(&o.format, "format", "json", "Output format: json or text")
	f.BoolVar(&o.failUnsafe, "fail-unsafe", false, "Exit non-zero when the verdict is unsafe")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string, o *analyzeOptions) error {
	if o.format != "json" && o.format != "text" {
		return fmt.Errorf("unknown format %q", o.format)
	}

	content, err := readContent(cmd, args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	var verdict map[string]any
	if o.remote != "" {
		verdict, err = analyzeRemote(ctx, o, content)
	} else {
		verdict, err = analyzeLocal(ctx, cmd, o, content)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if o.format == "text" {
		printVerdict(out, verdict)
	} else {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(verdict); err != nil {
			return err
		}
	}

	if safe, _ := verdict["is_safe"].(bool); o.failUnsafe && !safe {
		return ErrUnsafe
	}
	return nil
}

func readContent(cmd *cobra.Command, args []string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return string(data), nil
}

func analyzeLocal(ctx context.Context, cmd *cobra.Command, o *analyzeOptions, content string) (map[string]any, error) {
	logger := stderrLogger(cmd.ErrOrStderr())
	base, err := bootstrap.LoadKnowledge(o.kbFile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base: %w", err)
	}
	eng, err := bootstrap.NewEngine(bootstrap.Options{
		RulesFile:  o.rulesFile,
		PolicyFile: o.policyFile,
		Knowledge:  base,
		Timeout:    o.timeout,
		MinLength:  o.minLength,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	res, err := eng.Analyze(ctx, &engine.AnalyzeRequest{
		Content: content,
		Context: engine.AnalysisContext{
			Domain: o.domain,
			Intent: o.intent,
			Source: o.source,
			URL:    o.url,
		},
		MinLength: o.minLength,
	})
	if err != nil {
		return nil, err
	}
	return res.MarshalMap()
}

func analyzeRemote(ctx context.Context, o *analyzeOptions, content string) (map[string]any, error) {
	conn, err := grpc.NewClient(o.remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.remote, err)
	}
	defer conn.Close()

	if o.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+o.apiKey)
	}

	req := map[string]any{"content": content}
	actx := map[string]any{}
	for k, v := range map[string]string{"domain": o.domain, "intent": o.intent, "source": o.source, "url": o.url} {
		if v != "" {
			actx[k] = v
		}
	}
	if len(actx) > 0 {
		req["context"] = actx
	}
	if o.minLength > 0 {
		req["min_length"] = o.minLength
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}

	resp, err := server.Analyze(ctx, conn, in)
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func printVerdict(w io.Writer, v map[string]any) {
	safe, _ := v["is_safe"].(bool)
	verdict := "SAFE"
	if !safe {
		verdict = "UNSAFE"
	}
	fmt.Fprintf(w, "%s  risk=%v  score=%.2f  confidence=%.2f\n",
		verdict, v["risk_level"], num(v["guardian_score"]), num(v["confidence_score"]))
	if s, _ := v["analysis_summary"].(string); s != "" {
		fmt.Fprintln(w, s)
	}
	for _, section := range []struct{ key, title string }{
		{"detected_issues", "Issues"},
		{"uncertainty_areas", "Uncertain"},
		{"recommendations", "Recommendations"},
	} {
		items, _ := v[section.key].([]any)
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", section.title)
		for _, it := range items {
			fmt.Fprintf(w, "  - %s\n", strings.TrimSpace(fmt.Sprint(it)))
		}
	}
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
