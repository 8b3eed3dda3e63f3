package cmd

import (
	"fmt"

	"github.com/mist8kengas/ai-chat-bot/aichat"
	"github.com/spf13/cobra"
)

var registerCommandsCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Register the bot's slash commands with Discord",
	Long: "Bulk-overwrites the bot's slash commands, globally or for " +
		"discord.guild_id if set. The gateway isn't opened.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		created, err := aichat.RegisterSlashCommands(ctx, cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range created {
			_, _ = fmt.Fprintf(out, "registered /%s (id: %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCommandsCmd)
}
