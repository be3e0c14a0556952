package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/dyluth/flock/internal/printer"
	"github.com/dyluth/flock/internal/scaffold"
	"github.com/spf13/cobra"
)

type initOptions struct {
	force bool
	dir   string
}

func newInitCmd() *cobra.Command {
	opts := &initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create flock.yml and an example agent",
		Long: `Initialize a flock project in the current directory.

Creates:
  flock.yml        - store, types and one example agent
  agents/echo.sh   - shell agent answering every Task with an Answer

Try it:
  flock init
  flock run --publish 'Task={"id":"t-1","text":"hello"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite an existing flock.yml and agents/ directory")
	cmd.Flags().StringVar(&opts.dir, "dir", ".", "Project directory")
	return cmd
}

func runInit(opts *initOptions) error {
	if opts.force {
		printer.Warning("--force removes the existing flock.yml and agents/ directory\n")
	}

	created, err := scaffold.Initialize(opts.dir, opts.force)
	if err != nil {
		var existing *scaffold.ExistingError
		if errors.As(err, &existing) {
			return printer.Error(
				"project already initialized",
				fmt.Sprintf("Found existing: %v", existing.Paths),
				[]string{"Reinitialize (this overwrites your configuration):\n  flock init --force"},
			)
		}
		if errors.Is(err, os.ErrPermission) {
			return printer.Error("permission denied", err.Error(), nil)
		}
		return fmt.Errorf("failed to initialize project: %w", err)
	}

	printer.Success("Initialized flock project\n")
	for _, path := range created {
		printer.Info("  ✓ %s\n", path)
	}
	printer.Info("\nNext steps:\n")
	printer.Step("Declare your artifact types and agents in flock.yml\n")
	printer.Step("Run 'flock run --publish TYPE=JSON' to start a cascade\n")
	return nil
}
