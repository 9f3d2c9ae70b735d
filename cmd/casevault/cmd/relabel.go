package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	relabelOrg  int64
	relabelDays int
)

var relabelCmd = &cobra.Command{
	Use:   "relabel",
	Short: "Re-evaluate labels on recent messages",
	Long: `Re-evaluate every active label against the organization's messages
received in the re-sync window. Labels whose rules no longer match are
removed and newly matching ones are added.

The window defaults to [labels] resync_days in config.toml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(relabelOrg); err != nil {
			return err
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		since := resyncSince(relabelDays)
		n, err := newServices(s).labeller.Resync(cmd.Context(), relabelOrg, since)
		if err != nil {
			return fmt.Errorf("relabel: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Relabelled %d messages received since %s\n", n, since.Format("2006-01-02 15:04"))
		return nil
	},
}

// resyncSince returns the start of the re-sync window. days <= 0 uses the
// configured window.
func resyncSince(days int) time.Time {
	window := cfg.ResyncWindow()
	if days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}
	return time.Now().Add(-window)
}

func init() {
	rootCmd.AddCommand(relabelCmd)
	relabelCmd.Flags().Int64Var(&relabelOrg, "org", 0, "organization id")
	relabelCmd.Flags().IntVar(&relabelDays, "days", 0, "re-sync window in days (default from config)")
}
