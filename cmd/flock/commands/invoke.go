package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dyluth/flock/internal/printer"
	"github.com/dyluth/flock/internal/resolver"
	"github.com/dyluth/flock/pkg/orchestrator"
	"github.com/spf13/cobra"
)

type invokeOptions struct {
	artifactID     string
	publishOutputs bool
}

func newInvokeCmd(global *globalOptions) *cobra.Command {
	opts := &invokeOptions{}

	cmd := &cobra.Command{
		Use:   "invoke AGENT [TYPE [JSON]]",
		Short: "Execute one agent directly, bypassing subscriptions",
		Long: `Execute one agent once and print its outputs as JSON lines.

The input is either a transient artifact built from TYPE and JSON, or a stored
artifact selected with --artifact (short IDs accepted). Outputs are only
printed unless --publish-outputs is set.

Examples:
  flock invoke summarizer Document '{"text":"..."}'
  flock invoke reviewer --artifact 3f2a9c --publish-outputs`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd.Context(), global, opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.artifactID, "artifact", "", "Stored artifact to use as input (short ID accepted)")
	cmd.Flags().BoolVar(&opts.publishOutputs, "publish-outputs", false, "Publish the agent's outputs to the blackboard")
	return cmd
}

func runInvoke(ctx context.Context, global *globalOptions, opts *invokeOptions, args []string, out io.Writer) error {
	agentID := args[0]
	if opts.artifactID != "" && len(args) > 1 {
		return printer.Error("conflicting input", "Pass either TYPE [JSON] or --artifact, not both.", nil)
	}

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	if _, ok := cfg.Agents[agentID]; !ok {
		return printer.Error(
			fmt.Sprintf("agent '%s' not found", agentID),
			fmt.Sprintf("flock.yml defines: %v", cfg.AgentNames()),
			nil,
		)
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

	var res *orchestrator.InvocationResult
	var invokeErr error
	switch {
	case opts.artifactID != "":
		fullID, err := resolver.ResolveArtifactID(ctx, board, opts.artifactID)
		if err != nil {
			return resolveError(err, opts.artifactID)
		}
		a, err := board.Get(ctx, fullID)
		if err != nil {
			return fmt.Errorf("failed to get artifact: %w", err)
		}
		res, invokeErr = engine.Invoke(ctx, agentID, a, opts.publishOutputs)
	case len(args) > 1:
		payload := ""
		if len(args) > 2 {
			payload = args[2]
		}
		draft, err := newDraft(args[1], payload)
		if err != nil {
			return printer.Error("invalid payload", err.Error(), nil)
		}
		res, invokeErr = engine.InvokeDraft(ctx, agentID, draft, opts.publishOutputs)
	default:
		res, invokeErr = engine.Invoke(ctx, agentID, nil, opts.publishOutputs)
	}

	if res != nil {
		if err := writeInvocation(out, res); err != nil {
			return err
		}
	}
	if invokeErr != nil {
		var execErr *orchestrator.ExecutorError
		var boundsErr *orchestrator.FanOutBoundsError
		switch {
		case errors.As(invokeErr, &execErr), errors.As(invokeErr, &boundsErr):
			return printer.Error(fmt.Sprintf("agent '%s' failed", agentID), invokeErr.Error(), nil)
		default:
			return fmt.Errorf("invocation failed: %w", invokeErr)
		}
	}
	return nil
}

func writeInvocation(w io.Writer, res *orchestrator.InvocationResult) error {
	if len(res.Published) > 0 {
		for _, a := range res.Published {
			if err := writeJSONLine(w, a); err != nil {
				return err
			}
		}
	} else {
		for _, d := range res.Outputs {
			if err := writeJSONLine(w, d); err != nil {
				return err
			}
		}
	}
	if res.Rejected > 0 {
		printer.Warning("%d output(s) rejected\n", res.Rejected)
	}
	return nil
}

// resolveError maps resolver failures onto user-facing errors.
func resolveError(err error, shortID string) error {
	if resolver.IsNotFoundError(err) {
		return printer.Error(
			fmt.Sprintf("artifact with ID '%s' not found", shortID),
			"The specified artifact does not exist on the blackboard.",
			[]string{"List all artifacts:\n  flock hoard"},
		)
	}
	var ambigErr *resolver.AmbiguousError
	if errors.As(err, &ambigErr) {
		fmt.Fprintln(os.Stderr, resolver.FormatAmbiguousError(ambigErr))
		return fmt.Errorf("ambiguous short ID")
	}
	return fmt.Errorf("failed to resolve artifact ID: %w", err)
}
