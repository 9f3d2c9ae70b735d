package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/rules"
)

var (
	labelsOrg        int64
	labelsAll        bool
	labelDescription string
	labelKeywords    []string
	labelGroups      []string
	labelField       string
	labelFieldCmp    string
	labelFieldValue  string
	labelSynced      bool
	labelNoResync    bool
	labelResyncDays  int
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Manage an organization's labels",
}

var labelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List labels with message counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(labelsOrg); err != nil {
			return err
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.ListLabels(cmd.Context(), labelsOrg, labelsAll)
		if err != nil {
			return err
		}
		counts, err := s.LabelCounts(cmd.Context(), labelsOrg)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No labels.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMESSAGES\tSTATE\tRULE")
		fmt.Fprintln(w, "──\t────\t────────\t─────\t────")
		for _, l := range list {
			state := "active"
			if !l.IsActive {
				state = "released"
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", l.ID, l.Name, counts[l.ID], state, truncate(describeRule(l.Rule), 60))
		}
		return w.Flush()
	},
}

var labelsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a label and apply it to recent messages",
	Long: `Create a label with an optional rule.

A message matches when every test given matches:
  --keyword    any keyword appears as a word in the text (repeatable)
  --group      the contact belongs to any group (repeatable)
  --field      a contact field compares with --value (--cmp: eq, neq, contains, lt, lte, gt, gte)

Messages received in the re-sync window are relabelled afterwards unless
--no-resync is given.

Example:
  casevault labels create --org 1 Water --keyword pump --keyword borehole`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(labelsOrg); err != nil {
			return err
		}
		var field *rules.FieldTest
		if labelField != "" {
			cmp, err := rules.ParseComparator(labelFieldCmp)
			if err != nil {
				return err
			}
			field = &rules.FieldTest{Key: labelField, Comparator: cmp, Value: labelFieldValue}
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		l := &inbox.Label{
			OrgID:       labelsOrg,
			Name:        args[0],
			Description: labelDescription,
			Rule:        rules.BuildRule(labelKeywords, labelGroups, field),
			IsSynced:    labelSynced,
		}
		if err := s.CreateLabel(cmd.Context(), l); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created label %d %q\n", l.ID, l.Name)

		if labelNoResync {
			return nil
		}
		n, err := newServices(s).labeller.Resync(cmd.Context(), labelsOrg, resyncSince(labelResyncDays))
		if err != nil {
			return fmt.Errorf("relabel: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Relabelled %d messages\n", n)
		return nil
	},
}

var labelsReleaseCmd = &cobra.Command{
	Use:   "release <label-id>",
	Short: "Release a label, removing it from every message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(labelsOrg); err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid label id %q", args[0])
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.ReleaseLabel(cmd.Context(), labelsOrg, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released label %d from %d messages\n", id, n)
		return nil
	},
}

// describeRule renders a rule as its operators, e.g. "keywords:pump,well groups:staff".
func describeRule(r rules.Rule) string {
	var parts []string
	if t, ok := r.Test(rules.TypeContains).(*rules.ContainsTest); ok && len(t.Keywords) > 0 {
		parts = append(parts, "keywords:"+strings.Join(t.Keywords, ","))
	}
	if t, ok := r.Test(rules.TypeGroups).(*rules.GroupsTest); ok && len(t.Groups) > 0 {
		parts = append(parts, "groups:"+strings.Join(t.Groups, ","))
	}
	if t, ok := r.Test(rules.TypeField).(*rules.FieldTest); ok {
		parts = append(parts, fmt.Sprintf("field:%s %s %q", t.Key, t.Comparator, t.Value))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func init() {
	rootCmd.AddCommand(labelsCmd)
	labelsCmd.AddCommand(labelsListCmd, labelsCreateCmd, labelsReleaseCmd)
	labelsCmd.PersistentFlags().Int64Var(&labelsOrg, "org", 0, "organization id")

	labelsListCmd.Flags().BoolVar(&labelsAll, "all", false, "include released labels")

	f := labelsCreateCmd.Flags()
	f.StringVar(&labelDescription, "description", "", "label description")
	f.StringArrayVar(&labelKeywords, "keyword", nil, "keyword to match (repeatable)")
	f.StringArrayVar(&labelGroups, "group", nil, "contact group to match (repeatable)")
	f.StringVar(&labelField, "field", "", "contact field to test")
	f.StringVar(&labelFieldCmp, "cmp", "eq", "contact field comparator")
	f.StringVar(&labelFieldValue, "value", "", "contact field value")
	f.BoolVar(&labelSynced, "synced", false, "mark the label as synced to the messaging backend")
	f.BoolVar(&labelNoResync, "no-resync", false, "skip relabelling existing messages")
	f.IntVar(&labelResyncDays, "days", 0, "re-sync window in days (default from config)")
}
