package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dyluth/flock/internal/config"
	"github.com/dyluth/flock/internal/printer"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	tags           []string
	correlationKey string
}

func newPublishCmd(global *globalOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish TYPE [JSON]",
		Short: "Publish one artifact to the blackboard",
		Long: `Publish one artifact to the configured store and print its ID.

The payload defaults to {}. A running "flock serve" on the same redis
instance picks the artifact up immediately.

Examples:
  flock publish OrderPlaced '{"id":"o-1","amount":150}'
  flock publish Heartbeat --tag ops --correlation-key batch-7`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), global, opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArrayVar(&opts.tags, "tag", nil, "Tag to attach (repeatable)")
	cmd.Flags().StringVar(&opts.correlationKey, "correlation-key", "", "Correlation key for joins")
	return cmd
}

func runPublish(ctx context.Context, global *globalOptions, opts *publishOptions, args []string, out io.Writer) error {
	payload := ""
	if len(args) > 1 {
		payload = args[1]
	}
	draft, err := newDraft(args[0], payload)
	if err != nil {
		return printer.Error("invalid payload", err.Error(), nil)
	}
	draft.Tags = opts.tags
	draft.CorrelationKey = opts.correlationKey

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	if cfg.Store.Backend == config.BackendMemory {
		printer.Warning("store backend is memory; the artifact is discarded when this command exits\n")
	}

	board, err := openBoard(ctx, cfg)
	if err != nil {
		return err
	}
	defer board.Close()

	a, err := board.Publish(ctx, draft, blackboard.ExternalProducer)
	if err != nil {
		var schemaErr *blackboard.SchemaError
		if errors.As(err, &schemaErr) {
			return printer.Error("artifact rejected", err.Error(), []string{
				"Check the payload against the types section of flock.yml.",
			})
		}
		return fmt.Errorf("failed to publish artifact: %w", err)
	}

	fmt.Fprintf(out, "%s seq=%d type=%s\n", a.ID, a.Seq, a.Type)
	return nil
}
