package cmd

import (
	"fmt"

	"github.com/mist8kengas/ai-chat-bot/aichat"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, and optionally the API and webhook servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		bot, err := aichat.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.Run(ctx); err != nil {
			return fmt.Errorf("error running bot: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
