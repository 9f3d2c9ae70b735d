package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/inbox"
)

var (
	actionOrg   int64
	actionLabel int64
	actionUser  int64
)

var actionCmd = &cobra.Command{
	Use:   "action <flag|unflag|archive|restore|label|unlabel> <message-id>...",
	Short: "Apply a bulk action to messages",
	Long: `Apply a bulk action to messages by backend id.

label and unlabel require --label. Ids that do not belong to the
organization are skipped.

Examples:
  casevault action --org 1 archive 101 102 103
  casevault action --org 1 --label 4 label 101`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(actionOrg); err != nil {
			return err
		}
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		scope := inbox.Scope{OrgID: actionOrg, UserID: actionUser}
		res, err := newServices(s).actions.Apply(cmd.Context(), scope, args[0], ids, actionLabel)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d requested, %d applied, %d changed\n",
			res.Action, res.Requested, res.Applied, res.Changed)
		return nil
	},
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid message id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	rootCmd.AddCommand(actionCmd)
	actionCmd.Flags().Int64Var(&actionOrg, "org", 0, "organization id")
	actionCmd.Flags().Int64Var(&actionLabel, "label", 0, "label id for label and unlabel")
	actionCmd.Flags().Int64Var(&actionUser, "user", 0, "acting user id recorded in the history")
}
