package cmd

import (
	"fmt"

	"github.com/arcward/jbot/jbot"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register (overwrite) the bot's slash commands, without connecting to the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := jbot.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		created, err := bot.RegisterSlashCommands(discordgo.WithContext(cmd.Context()))
		if err != nil {
			return err
		}
		for _, c := range created {
			fmt.Fprintf(cmd.OutOrStdout(), "registered /%s (%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
