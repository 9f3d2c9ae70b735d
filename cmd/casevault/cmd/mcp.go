package cmd

import (
	"github.com/spf13/cobra"

	mcpserver "github.com/wesm/casevault/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run MCP server over stdio",
	Long: `Start an MCP (Model Context Protocol) server over stdio.

This lets an MCP client search messages, list labels and apply bulk
actions with the tools search_messages, get_message, list_labels,
apply_action and get_stats.

Example client config:
  {
    "mcpServers": {
      "casevault": {
        "command": "casevault",
        "args": ["mcp"]
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		svc := newServices(s)

		return mcpserver.Serve(cmd.Context(), mcpserver.Deps{
			Store:   s,
			Search:  svc.search,
			Actions: svc.actions,
		})
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
