package cmd

import (
	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the database schema",
	Long: `Initialize the casevault database with the required schema.

This command creates the tables for messages, labels, contacts, action
history and the label event outbox. It is safe to run multiple times.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("initializing database", "path", cfg.DatabasePath())

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		logger.Info("database initialized successfully")
		return printStats(cmd, s)
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
