package cmd

import (
	"fmt"

	"github.com/arcward/jbot/jbot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bot's version and build info",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"jbot %s (commit=%s built=%s)\n",
			jbot.Version,
			jbot.CommitSHA,
			jbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
