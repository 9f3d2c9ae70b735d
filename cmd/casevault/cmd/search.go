package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/search"
)

var (
	searchOrg   int64
	searchToken string
	searchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search an organization's messages",
	Long: `Search messages newest first.

Supported operators:
  in:          inbox, flagged, archived or unlabelled (default inbox)
  label:       Label name (or l: shorthand)
  contact:     Contact uuid
  group:       Contact group (repeatable)
  has:         has:archived - include archived messages
  before:      Messages before date (YYYY-MM-DD)
  after:       Messages on or after date (YYYY-MM-DD)
  older_than:  Relative date (7d, 2w, 1m, 1y)
  newer_than:  Relative date

Bare words and "quoted phrases" match message text.

Pass the printed token with --token to fetch the next page.

Examples:
  casevault search --org 1 in:flagged label:urgent
  casevault search --org 1 water pump newer_than:7d`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(searchOrg); err != nil {
			return err
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		svc := newServices(s)

		q := search.Parse(strings.Join(args, " "))
		req, err := search.Resolve(cmd.Context(), s, searchOrg, q)
		if err != nil {
			return err
		}
		page, err := svc.search.Search(cmd.Context(), inbox.Scope{OrgID: searchOrg}, req, searchToken)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if searchJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}
		if len(page.Messages) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
			return nil
		}
		writeMessageTable(cmd.OutOrStdout(), page.Messages)
		if page.HasMore {
			fmt.Fprintf(cmd.OutOrStdout(), "\nMore results: --token %s\n", page.Next)
		}
		return nil
	},
}

func writeMessageTable(out io.Writer, msgs []inbox.Message) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECEIVED\tCONTACT\tFLAGS\tLABELS\tTEXT")
	fmt.Fprintln(w, "──\t────────\t───────\t─────\t──────\t────")
	for _, m := range msgs {
		flags := ""
		if m.IsFlagged {
			flags += "F"
		}
		if m.IsArchived {
			flags += "A"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			m.BackendID,
			m.ReceivedOn.Format("2006-01-02 15:04"),
			truncate(m.ContactRef, 16),
			flags,
			joinIDs(m.Labels),
			truncate(m.Text, 50),
		)
	}
	w.Flush()
	fmt.Fprintf(out, "\nShowing %d results\n", len(msgs))
}

// truncate collapses whitespace and shortens s to n terminal cells.
func truncate(s string, n int) string {
	return runewidth.Truncate(strings.Join(strings.Fields(s), " "), n, "…")
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().Int64Var(&searchOrg, "org", 0, "organization id")
	searchCmd.Flags().StringVar(&searchToken, "token", "", "continuation token from a previous page")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output as JSON")
}
