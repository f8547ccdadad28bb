package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Input relay pairing controllers with remote targets",
	Long: `relay accepts WebSocket connections from targets and controllers,
pairs a controller with a named target and forwards input events between them.

Without a subcommand it runs serve.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("relay version {{.Version}}\n")
	addServeFlags(rootCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
