package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionString = "dev"

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath   string
	instanceName string
}

// NewRootCmd builds the flock command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "flock",
		Short: "Flock - blackboard orchestration for agent swarms",
		Long: `Flock coordinates agents through a shared blackboard of typed artifacts.

Agents declare what they consume and publish in flock.yml. Publishing an
artifact triggers every matching subscription; their outputs trigger the
next wave, until no agent has work left.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "f", "flock.yml", "Path to flock.yml")
	root.PersistentFlags().StringVarP(&opts.instanceName, "name", "n", "", "Instance name (overrides config and FLOCK_INSTANCE_NAME)")

	root.AddCommand(
		newInitCmd(),
		newRunCmd(opts),
		newServeCmd(opts),
		newPublishCmd(opts),
		newInvokeCmd(opts),
		newHoardCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// Execute runs the command tree. This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
