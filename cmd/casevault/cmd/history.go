package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyOrg int64

var historyCmd = &cobra.Command{
	Use:   "history <message-id>",
	Short: "Show the actions applied to a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(historyOrg); err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[0])
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		records, err := s.MessageHistory(cmd.Context(), historyOrg, id)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No actions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tACTION\tLABEL\tUSER")
		for _, r := range records {
			label := "-"
			if r.LabelID != nil {
				label = strconv.FormatInt(*r.LabelID, 10)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.CreatedOn.Local().Format("2006-01-02 15:04:05"), r.Action, label, r.UserID)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int64Var(&historyOrg, "org", 0, "organization id")
}
