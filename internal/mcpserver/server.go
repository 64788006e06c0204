// Package mcpserver exposes the memory engine as MCP tools over stdio so
// agents can remember, recall and query without the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/recall"
)

// Tools binds the MCP tool handlers to a recall service and an engine.
type Tools struct {
	recall *recall.Service
	engine *consolidation.Engine
	logger *zap.Logger
}

// NewTools creates the tool set.
func NewTools(svc *recall.Service, engine *consolidation.Engine, logger *zap.Logger) *Tools {
	return &Tools{recall: svc, engine: engine, logger: logger}
}

// NewServer registers every tool on a new MCP server.
func NewServer(t *Tools, version string) *server.MCPServer {
	s := server.NewMCPServer("nuka-memory", version, server.WithToolCapabilities(true))
	s.AddTool(rememberTool(), t.handleRemember)
	s.AddTool(recallTool(), t.handleRecall)
	s.AddTool(reviewTool(), t.handleReview)
	s.AddTool(queryTool(), t.handleQuery)
	s.AddTool(cueTool(), t.handleCue)
	s.AddTool(dreamTool(), t.handleDream)
	return s
}

func rememberTool() mcp.Tool {
	return mcp.NewTool("memory_remember",
		mcp.WithDescription("Store a new knowledge node. Returns the node id."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Text of the memory")),
		mcp.WithString("kind", mcp.Description("fact, pattern, intention, insight, episode or concept (default fact)")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
		mcp.WithBoolean("pinned", mcp.Description("Never prune this node")),
	)
}

func recallTool() mcp.Tool {
	return mcp.NewTool("memory_recall",
		mcp.WithDescription("Retrieve a node by id. Strengthens it and briefly suppresses close competitors."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
	)
}

func reviewTool() mcp.Tool {
	return mcp.NewTool("memory_review",
		mcp.WithDescription("Grade a recall attempt and reschedule the node."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithString("rating", mcp.Required(), mcp.Description("again, hard, good or easy")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("memory_query",
		mcp.WithDescription("Rank accessible nodes by similarity to the text."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Query text")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
	)
}

func cueTool() mcp.Tool {
	return mcp.NewTool("memory_cue",
		mcp.WithDescription("Present a cue that can reactivate dormant or silent memories."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Cue text")),
		mcp.WithNumber("strength", mcp.Description("Cue strength in [0,1] (default 1)")),
	)
}

func dreamTool() mcp.Tool {
	return mcp.NewTool("memory_dream",
		mcp.WithDescription("Run one four-phase dream consolidation cycle and return its report."),
	)
}

func (t *Tools) handleRemember(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	content, _ := args["content"].(string)
	kind, _ := args["kind"].(string)
	tagsStr, _ := args["tags"].(string)
	pinned, _ := args["pinned"].(bool)

	var tags []string
	for _, tag := range strings.Split(tagsStr, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	n, err := t.recall.Remember(ctx, content, memory.NodeKind(kind), recall.RememberOptions{Tags: tags, Pinned: pinned})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remember failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stored %s (importance %.2f)", n.ID, n.Importance)), nil
}

func (t *Tools) handleRecall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	res, err := t.recall.Recall(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recall failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (t *Tools) handleReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	ratingStr, _ := args["rating"].(string)
	rating, err := memory.ParseRating(ratingStr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := t.recall.Review(ctx, id, rating)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("review failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reviewed %s: next review due %s", n.ID, n.Schedule.DueAt.Format("2006-01-02 15:04"))), nil
}

func (t *Tools) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	hits, err := t.recall.Query(ctx, text, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if len(hits) == 0 {
		return mcp.NewToolResultText("No matching memories."), nil
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s (score %.2f)\n", i+1, h.Node.ID, h.Node.Content, h.Score)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *Tools) handleCue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	text, _ := args["text"].(string)
	strength := 1.0
	if s, ok := args["strength"].(float64); ok {
		strength = s
	}
	transitions, err := t.recall.Cue(ctx, text, strength)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cue failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reactivated %d memories", len(transitions))), nil
}

func (t *Tools) handleDream(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.engine.RunDreamCycle(ctx, t.engine.DreamConfig())
	if err != nil && res.CycleID == "" {
		return mcp.NewToolResultError(fmt.Sprintf("dream cycle not run: %v", err)), nil
	}
	if err != nil {
		t.logger.Warn("dream cycle partial", zap.String("cycle", res.CycleID), zap.Error(err))
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
