package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dyluth/flock/internal/printer"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/orchestrator"
	"github.com/spf13/cobra"
)

type runOptions struct {
	publish []string
	input   string
	timeout time.Duration
	output  string
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Publish seed artifacts and run agents until idle",
		Long: `Publish seed artifacts and run every triggered agent until no work remains.

Seed artifacts come from --publish flags and from --input (one JSON draft per
line, "-" for stdin). Scheduled subscriptions do not fire during run; use
"flock serve" for timers.

Output Formats:
  default - Human-readable run summary
  json    - The run summary as a JSON object

Examples:
  # Seed one order and let the swarm react
  flock run --publish 'OrderPlaced={"id":"o-1","amount":150}'

  # Seed from a file with a time limit
  flock run --input seeds.jsonl --timeout 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), global, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArrayVarP(&opts.publish, "publish", "p", nil, "Seed artifact as TYPE=JSON (repeatable)")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "File of JSON drafts, one per line (- for stdin)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this long (0 = no limit)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "default", "Output format: default or json")
	return cmd
}

func runRun(ctx context.Context, global *globalOptions, opts *runOptions, stdin io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.output != "default" && opts.output != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", opts.output),
			[]string{"Valid formats: default, json"},
		)
	}

	drafts, err := seedDrafts(opts, stdin)
	if err != nil {
		return printer.Error("invalid seed artifact", err.Error(), []string{
			"Seed with --publish TYPE=JSON, e.g.:\n  flock run --publish 'Task={\"id\":1}'",
		})
	}

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	board, err := openBoard(ctx, cfg)
	if err != nil {
		return err
	}
	defer board.Close()

	engine, err := buildEngine(cfg, board, logger)
	if err != nil {
		return printer.Error("invalid configuration", err.Error(), nil)
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	if _, err := engine.PublishMany(ctx, drafts); err != nil {
		var schemaErr *blackboard.SchemaError
		if errors.As(err, &schemaErr) {
			return printer.Error("seed artifact rejected", err.Error(), []string{
				"Check the payload against the types section of flock.yml.",
			})
		}
		return fmt.Errorf("failed to publish seed artifacts: %w", err)
	}

	summary, runErr := engine.RunUntilIdle(ctx)
	if summary != nil {
		if err := writeSummary(out, summary, opts.output); err != nil {
			return err
		}
	}

	switch {
	case runErr == nil:
	case errors.Is(runErr, orchestrator.ErrMaxPasses):
		return printer.ErrorWithContext(
			"run did not settle",
			"Agents kept producing work past the pass limit.",
			map[string]string{"max_passes": fmt.Sprintf("%d", cfg.Orchestrator.MaxPasses)},
			[]string{"Look for agents that trigger each other in a loop.", "Raise orchestrator.max_passes in flock.yml."},
		)
	case errors.Is(runErr, context.DeadlineExceeded):
		return printer.Error(
			"run timed out",
			fmt.Sprintf("The run did not finish within %s.", opts.timeout),
			[]string{"Raise --timeout or check for slow agents."},
		)
	default:
		return fmt.Errorf("run failed: %w", runErr)
	}

	if summary.Failed > 0 && opts.output == "default" {
		printer.Warning("%d invocation(s) failed\n", summary.Failed)
	}
	return nil
}

func seedDrafts(opts *runOptions, stdin io.Reader) ([]blackboard.Draft, error) {
	var drafts []blackboard.Draft
	for _, arg := range opts.publish {
		d, err := parseDraftArg(arg)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}

	if opts.input == "" {
		return drafts, nil
	}
	r := stdin
	if opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	fromInput, err := readDrafts(r)
	if err != nil {
		return nil, err
	}
	return append(drafts, fromInput...), nil
}

func writeSummary(w io.Writer, s *orchestrator.RunSummary, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		return nil
	}

	fmt.Fprintf(w, "Run complete in %s: %d passes, %d invocations (%d succeeded, %d failed)\n",
		s.Duration.Round(time.Millisecond), s.Passes, s.Invocations, s.Succeeded, s.Failed)
	fmt.Fprintf(w, "Published %d artifacts, rejected %d", s.Published, s.Rejected)
	if s.JoinsExpired > 0 {
		fmt.Fprintf(w, ", %d join groups expired", s.JoinsExpired)
	}
	if s.Deferred > 0 {
		fmt.Fprintf(w, ", %d invocations deferred", s.Deferred)
	}
	fmt.Fprintln(w)

	for _, agent := range s.Agents() {
		st := s.ByAgent[agent]
		fmt.Fprintf(w, "  %-20s %d ok, %d failed\n", agent, st.Succeeded, st.Failed)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  ✗ %s (%s): %v\n", f.AgentID, f.Kind, f.Err)
	}
	return nil
}
