package cli

import "github.com/spf13/cobra"

// AddGlobalFlags registers the persistent flags every subcommand reads.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().String("config", "", "Config file (default: ./toolcatalog.yaml, then ~/.toolcatalog/config.yaml)")
	root.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	root.PersistentFlags().BoolP("quiet", "", false, "Suppress all output except errors")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")
}
