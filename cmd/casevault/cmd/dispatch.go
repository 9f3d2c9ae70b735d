package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/notify"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver pending label change events once",
	Long: `Deliver every pending label change event to the configured webhook,
or log them when no webhook is set. The serve command does this on the
[notifications] schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sender, err := newSender()
		if err != nil {
			return fmt.Errorf("notifications: %w", err)
		}
		n, err := notify.NewDispatcher(s, sender).
			WithBatchSize(cfg.Notifications.BatchSize).
			WithLogger(logger).
			Run(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d events\n", n)
		return err
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}
