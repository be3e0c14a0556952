package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/flock/internal/config"
	"github.com/dyluth/flock/internal/filter"
	"github.com/dyluth/flock/internal/printer"
	"github.com/dyluth/flock/internal/watch"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	output string
	typ    string
	agent  string
	tag    string
}

func newWatchCmd(global *globalOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor real-time blackboard activity",
		Long: `Monitor artifacts as they are published, including invocation failures.

With the redis backend events arrive live over Pub/Sub; sqlite stores are
polled. A memory store only lives inside one process and cannot be watched.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch all activity
  flock watch

  # Watch one producer
  flock watch --agent reviewer

  # Export events as JSON
  flock watch --output=json > events.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), global, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "default", "Output format (default or json)")
	cmd.Flags().StringVar(&opts.typ, "type", "", "Filter by artifact type (glob pattern)")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "Filter by producer (exact match)")
	cmd.Flags().StringVar(&opts.tag, "tag", "", "Filter by tag (exact match)")
	return cmd
}

func runWatch(ctx context.Context, global *globalOptions, opts *watchOptions, out io.Writer) error {
	var outputFormat watch.OutputFormat
	switch opts.output {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", opts.output),
			[]string{"Valid formats: default, json"},
		)
	}

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	if cfg.Store.Backend == config.BackendMemory {
		return printer.Error(
			"nothing to watch",
			"The memory store is private to the process that runs the agents.",
			[]string{"Set store.backend to redis or sqlite in flock.yml."},
		)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	board, err := openBoard(ctx, cfg)
	if err != nil {
		return err
	}
	defer board.Close()

	criteria := &filter.Criteria{TypeGlob: opts.typ, Producer: opts.agent, Tag: opts.tag}
	if err := watch.StreamActivity(ctx, board, criteria, outputFormat, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watch stopped: %w", err)
	}
	return nil
}
