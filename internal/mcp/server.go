package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wesm/casevault/internal/actions"
	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/search"
	"github.com/wesm/casevault/internal/store"
)

// Tool name constants.
const (
	ToolSearchMessages = "search_messages"
	ToolGetMessage     = "get_message"
	ToolListLabels     = "list_labels"
	ToolApplyAction    = "apply_action"
	ToolGetStats       = "get_stats"
)

// Store is the read side of the message store used by the tools.
type Store interface {
	search.LabelResolver
	ListLabels(ctx context.Context, orgID int64, includeReleased bool) ([]inbox.Label, error)
	LabelCounts(ctx context.Context, orgID int64) (map[int64]int64, error)
	Find(ctx context.Context, orgID int64, backendIDs []int64) ([]inbox.Message, error)
	MessageHistory(ctx context.Context, orgID, backendID int64) ([]inbox.ActionRecord, error)
	GetStats(ctx context.Context) (*store.Stats, error)
}

// Deps bundles what the tools operate on.
type Deps struct {
	Store   Store
	Search  *search.Engine
	Actions *actions.Coordinator
}

func withOrg() mcp.ToolOption {
	return mcp.WithNumber("org",
		mcp.Required(),
		mcp.Description("Organization id"),
	)
}

// Serve creates an MCP server with inbox tools and serves over stdio.
// It blocks until stdin is closed or the context is cancelled.
func Serve(ctx context.Context, deps Deps) error {
	s := server.NewMCPServer(
		"casevault",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	h := &handlers{deps: deps}

	s.AddTool(searchMessagesTool(), h.searchMessages)
	s.AddTool(getMessageTool(), h.getMessage)
	s.AddTool(listLabelsTool(), h.listLabels)
	s.AddTool(applyActionTool(), h.applyAction)
	s.AddTool(getStatsTool(), h.getStats)

	stdio := server.NewStdioServer(s)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func searchMessagesTool() mcp.Tool {
	return mcp.NewTool(ToolSearchMessages,
		mcp.WithDescription("Search an organization's messages. Supports in:inbox|flagged|archived|unlabelled, label:, contact:, group:, has:archived, before:, after:, older_than:, newer_than: and free text. Results are newest first; pass the returned next token to continue."),
		mcp.WithReadOnlyHintAnnotation(true),
		withOrg(),
		mcp.WithString("query",
			mcp.Description("Search query (e.g. 'in:flagged label:urgent newer_than:7d'); empty lists the inbox"),
		),
		mcp.WithString("token",
			mcp.Description("Continuation token from a previous page"),
		),
	)
}

func getMessageTool() mcp.Tool {
	return mcp.NewTool(ToolGetMessage,
		mcp.WithDescription("Get one message with its labels and action history."),
		mcp.WithReadOnlyHintAnnotation(true),
		withOrg(),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Backend message id"),
		),
	)
}

func listLabelsTool() mcp.Tool {
	return mcp.NewTool(ToolListLabels,
		mcp.WithDescription("List an organization's active labels with their unarchived message counts."),
		mcp.WithReadOnlyHintAnnotation(true),
		withOrg(),
	)
}

func applyActionTool() mcp.Tool {
	return mcp.NewTool(ToolApplyAction,
		mcp.WithDescription("Apply a bulk action to messages. label and unlabel require a label id."),
		mcp.WithDestructiveHintAnnotation(false),
		withOrg(),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Action to apply"),
			mcp.Enum("flag", "unflag", "archive", "restore", "label", "unlabel"),
		),
		mcp.WithArray("messages",
			mcp.Required(),
			mcp.Description("Backend message ids"),
			mcp.Items(map[string]any{"type": "number"}),
		),
		mcp.WithNumber("label",
			mcp.Description("Label id for label and unlabel"),
		),
		mcp.WithNumber("user",
			mcp.Description("Acting user id recorded in the history"),
		),
	)
}

func getStatsTool() mcp.Tool {
	return mcp.NewTool(ToolGetStats,
		mcp.WithDescription("Get store overview: message, label and contact counts and pending label events."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}
