package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/engine"
)

// ─── ctx_context_assemble ────────────────────────────────────────────────────

// ContextAssembleTool handles the ctx_context_assemble MCP tool.
type ContextAssembleTool struct {
	engine *engine.Engine
}

// NewContextAssembleTool creates a ContextAssembleTool.
func NewContextAssembleTool(e *engine.Engine) *ContextAssembleTool {
	return &ContextAssembleTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_context_assemble.
func (t *ContextAssembleTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_context_assemble",
		mcp.WithDescription(
			"Build the context for the next step of a session: the paper trail, the most "+
				"relevant vault notes and reference chunks, each limited to what its budget pool "+
				"has left. The served tokens are charged to the session.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("query",
			mcp.Description("What the next step is about; without it only the trail is served"),
		),
	)
}

// Handle processes the ctx_context_assemble tool call.
func (t *ContextAssembleTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	out, err := t.engine.AssembleContext(id, req.GetString("query", ""))
	if err != nil {
		return errorResult("assembling context", err), nil
	}
	return jsonResult(out)
}

// ─── ctx_count_tokens ────────────────────────────────────────────────────────

// CountTokensTool handles the ctx_count_tokens MCP tool.
type CountTokensTool struct {
	engine *engine.Engine
}

// NewCountTokensTool creates a CountTokensTool.
func NewCountTokensTool(e *engine.Engine) *CountTokensTool {
	return &CountTokensTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_count_tokens.
func (t *CountTokensTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_count_tokens",
		mcp.WithDescription(
			"Count the tokens of a text with the engine's tokenizer. Counts are cached; "+
				"the response also reports the cache hit rate.",
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to count"),
		),
		mcp.WithBoolean("estimate",
			mcp.Description("Use the fast four-characters-per-token estimate instead"),
		),
	)
}

// Handle processes the ctx_count_tokens tool call.
func (t *CountTokensTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	estimate := boolArg(req, "estimate", false)
	n := 0
	if estimate {
		n = t.engine.EstimateTokens(text)
	} else {
		n = t.engine.CountTokens(text)
	}
	c := t.engine.Counter()
	return jsonResult(struct {
		Tokens   int     `json:"tokens"`
		Estimate bool    `json:"estimate"`
		Precise  bool    `json:"precise"`
		HitRate  float64 `json:"cache_hit_rate"`
	}{n, estimate, !estimate && c.Precise(), c.Stats().HitRate()})
}
