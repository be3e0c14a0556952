package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/flock/internal/filter"
	"github.com/dyluth/flock/internal/hoard"
	"github.com/dyluth/flock/internal/printer"
	"github.com/dyluth/flock/internal/resolver"
	"github.com/dyluth/flock/internal/timespec"
	"github.com/spf13/cobra"
)

type hoardOptions struct {
	output string
	since  string
	until  string
	typ    string
	agent  string
	tag    string
}

func newHoardCmd(global *globalOptions) *cobra.Command {
	opts := &hoardOptions{}

	cmd := &cobra.Command{
		Use:   "hoard [ARTIFACT_ID]",
		Short: "Inspect blackboard artifacts with filtering",
		Long: `Inspect blackboard artifacts in list or get mode.

List Mode (no ARTIFACT_ID):
  Displays artifacts matching filters as a table or JSONL stream.

Get Mode (with ARTIFACT_ID):
  Displays complete details of a single artifact as pretty-printed JSON.
  Supports short IDs (e.g., "abc123" instead of full UUID).

Output Formats (list mode only):
  default - Human-readable table with ID, Seq, Type, Producer and Payload
  jsonl   - Line-delimited JSON, one artifact per line

Time Filters (list mode only):
  --since  - Show artifacts created at or after this time
  --until  - Show artifacts created at or before this time

Content Filters (list mode only):
  --type   - Filter by artifact type (glob pattern: "Order*", "*Result")
  --agent  - Filter by producer (exact match: "reviewer", "external")
  --tag    - Filter by tag (exact match)

Examples:
  # List all artifacts
  flock hoard

  # Filter by type and time
  flock hoard --type="Review*" --since=2h

  # Get artifacts as JSONL for piping to jq
  flock hoard --output=jsonl --since=1h | jq 'select(.producer=="reviewer") | .id'

  # Get specific artifact by short ID
  flock hoard abc123`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHoard(cmd.Context(), global, opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "default", "Output format: default or jsonl (ignored in get mode)")

	// Time-based filters
	cmd.Flags().StringVar(&opts.since, "since", "", "Show artifacts after time (duration or RFC3339)")
	cmd.Flags().StringVar(&opts.until, "until", "", "Show artifacts before time (duration or RFC3339)")

	// Content-based filters
	cmd.Flags().StringVar(&opts.typ, "type", "", "Filter by artifact type (glob pattern)")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "Filter by producer (exact match)")
	cmd.Flags().StringVar(&opts.tag, "tag", "", "Filter by tag (exact match)")
	return cmd
}

func runHoard(ctx context.Context, global *globalOptions, opts *hoardOptions, args []string, out io.Writer) error {
	isGetMode := len(args) > 0

	// Validate output format (only applies to list mode)
	var outputFormat hoard.OutputFormat
	if !isGetMode {
		switch opts.output {
		case "default":
			outputFormat = hoard.OutputFormatDefault
		case "jsonl":
			outputFormat = hoard.OutputFormatJSONL
		default:
			return printer.Error(
				"invalid output format",
				fmt.Sprintf("Unknown format: %s", opts.output),
				[]string{"Valid formats: default, jsonl"},
			)
		}
	}

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	board, err := openBoard(ctx, cfg)
	if err != nil {
		return err
	}
	defer board.Close()

	if isGetMode {
		shortID := args[0]
		fullID, err := resolver.ResolveArtifactID(ctx, board, shortID)
		if err != nil {
			return resolveError(err, shortID)
		}

		if err := hoard.GetArtifact(ctx, board, fullID, out); err != nil {
			if hoard.IsNotFound(err) {
				return printer.Error(
					fmt.Sprintf("artifact with ID '%s' not found", fullID),
					"The artifact was resolved but could not be fetched.",
					[]string{"This might indicate a race condition. Try again."},
				)
			}
			return fmt.Errorf("failed to get artifact: %w", err)
		}
		return nil
	}

	since, until, err := timespec.ParseRange(opts.since, opts.until, time.Now())
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"},
		)
	}

	criteria := &filter.Criteria{
		Since:    since,
		Until:    until,
		TypeGlob: opts.typ,
		Producer: opts.agent,
		Tag:      opts.tag,
	}
	if err := hoard.ListArtifacts(ctx, board, cfg.Instance, outputFormat, criteria, out); err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	return nil
}
