package cmd

import (
	"errors"
	"fmt"

	"github.com/lmittmann/tint"
	"github.com/mist8kengas/ai-chat-bot/aichat"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the audit database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		switch cfg.DatabaseType {
		case "sqlite", "postgres":
		case "":
			return errors.New("database_type not set (must be one of: sqlite, postgres)")
		default:
			return fmt.Errorf("unsupported database_type %q (must be one of: sqlite, postgres)", cfg.DatabaseType)
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection string or sqlite file path)",
			)
		}

		handler := tint.NewHandler(
			cmd.ErrOrStderr(),
			&tint.Options{Level: cfg.DatabaseLogLevel, AddSource: true},
		)
		db, err := aichat.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			handler,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		_, _ = fmt.Fprintln(
			cmd.OutOrStdout(),
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
