package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		return printStats(cmd, s)
	},
}

func printStats(cmd *cobra.Command, s *store.Store) error {
	stats, err := s.GetStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s\n", cfg.DatabasePath())
	fmt.Fprintf(out, "  Messages:       %d\n", stats.MessageCount)
	fmt.Fprintf(out, "  Archived:       %d\n", stats.ArchivedCount)
	fmt.Fprintf(out, "  Labels:         %d\n", stats.LabelCount)
	fmt.Fprintf(out, "  Contacts:       %d\n", stats.ContactCount)
	fmt.Fprintf(out, "  Pending events: %d\n", stats.PendingEvents)
	fmt.Fprintf(out, "  Size:           %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))
	return nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
