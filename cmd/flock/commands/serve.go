package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/flock/internal/printer"
	"github.com/spf13/cobra"
)

func newServeCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator continuously with timers",
		Long: `Run the orchestrator until interrupted.

Serve drives scheduled subscriptions and, with the redis backend, reacts to
artifacts published by other processes (for example "flock publish").
Set orchestrator.health_addr in flock.yml to expose GET /healthz.

Examples:
  flock serve
  flock --config prod.yml --name prod serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), global)
		},
	}
}

func runServe(ctx context.Context, global *globalOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	printer.Info("Serving instance '%s' with %d agents (%s store)\n", cfg.Instance, len(cfg.Agents), cfg.Store.Backend)
	if err := engine.Serve(ctx); err != nil {
		return fmt.Errorf("orchestrator stopped: %w", err)
	}
	printer.Info("Stopped\n")
	return nil
}
