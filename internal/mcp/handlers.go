package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/search"
)

// maxMessages caps the ids accepted by one apply_action call.
const maxMessages = 1000

type handlers struct {
	deps Deps
}

// getIDArg extracts a required positive integer ID from the arguments map.
func getIDArg(args map[string]any, key string) (int64, error) {
	v, ok := args[key].(float64)
	if !ok {
		return 0, fmt.Errorf("%s parameter is required", key)
	}
	if v != math.Trunc(v) || v < 1 || v > math.MaxInt64 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return int64(v), nil
}

// optionalIDArg is getIDArg for an argument that may be absent.
func optionalIDArg(args map[string]any, key string) (int64, error) {
	if _, ok := args[key]; !ok {
		return 0, nil
	}
	return getIDArg(args, key)
}

// idListArg extracts a non-empty list of positive integer ids.
func idListArg(args map[string]any, key string) ([]int64, error) {
	raw, ok := args[key].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%s must be a non-empty array of ids", key)
	}
	if len(raw) > maxMessages {
		return nil, fmt.Errorf("%s accepts at most %d ids", key, maxMessages)
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		id, err := getIDArg(map[string]any{key: v}, key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *handlers) searchMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	org, err := getIDArg(args, "org")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	queryStr, _ := args["query"].(string)
	token, _ := args["token"].(string)

	sreq, err := search.Resolve(ctx, h.deps.Store, org, search.Parse(strings.TrimSpace(queryStr)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	page, err := h.deps.Search.Search(ctx, inbox.Scope{OrgID: org}, sreq, token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if page.Messages == nil {
		page.Messages = []inbox.Message{}
	}
	return jsonResult(page)
}

func (h *handlers) getMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	org, err := getIDArg(args, "org")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := getIDArg(args, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	found, err := h.deps.Store.Find(ctx, org, []int64{id})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get message failed: %v", err)), nil
	}
	if len(found) == 0 {
		return mcp.NewToolResultError("message not found"), nil
	}
	history, err := h.deps.Store.MessageHistory(ctx, org, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get history failed: %v", err)), nil
	}

	resp := struct {
		inbox.Message
		History []inbox.ActionRecord `json:"history"`
	}{Message: found[0], History: history}
	if resp.History == nil {
		resp.History = []inbox.ActionRecord{}
	}
	return jsonResult(resp)
}

// labelSummary is one entry of list_labels.
type labelSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Count       int64  `json:"count"`
}

func (h *handlers) listLabels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := getIDArg(req.GetArguments(), "org")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	list, err := h.deps.Store.ListLabels(ctx, org, false)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list labels failed: %v", err)), nil
	}
	counts, err := h.deps.Store.LabelCounts(ctx, org)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("count labels failed: %v", err)), nil
	}

	out := make([]labelSummary, 0, len(list))
	for _, l := range list {
		out = append(out, labelSummary{ID: l.ID, Name: l.Name, Description: l.Description, Count: counts[l.ID]})
	}
	return jsonResult(out)
}

func (h *handlers) applyAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	org, err := getIDArg(args, "org")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action, _ := args["action"].(string)
	if action == "" {
		return mcp.NewToolResultError("action parameter is required"), nil
	}
	ids, err := idListArg(args, "messages")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	label, err := optionalIDArg(args, "label")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	user, err := optionalIDArg(args, "user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := h.deps.Actions.Apply(ctx, inbox.Scope{OrgID: org, UserID: user}, action, ids, label)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("action failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (h *handlers) getStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.deps.Store.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return jsonResult(stats)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
