package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/engine"
	"github.com/HendryAvila/papertrail/internal/trail"
)

// ─── ctx_trail_append ────────────────────────────────────────────────────────

// TrailAppendTool handles the ctx_trail_append MCP tool.
type TrailAppendTool struct {
	engine *engine.Engine
}

// NewTrailAppendTool creates a TrailAppendTool.
func NewTrailAppendTool(e *engine.Engine) *TrailAppendTool {
	return &TrailAppendTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_trail_append.
func (t *TrailAppendTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_trail_append",
		mcp.WithDescription(
			"Record something in the session's paper trail. Tier 1 holds the goal and hard "+
				"constraints and is never compressed; tier 2 holds key evidence; tier 3 recent "+
				"work; tier 4 older history. Tiers 3 and 4 are summarized and archived as they age.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Text to record"),
		),
		mcp.WithNumber("tier",
			mcp.Description("Tier 1-4 (default: 3)"),
		),
		mcp.WithBoolean("key",
			mcp.Description("Mark as a key fact: summaries keep it verbatim"),
		),
	)
}

// Handle processes the ctx_trail_append tool call.
func (t *TrailAppendTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	content := req.GetString("content", "")
	if id == "" || content == "" {
		return mcp.NewToolResultError("'session_id' and 'content' are required"), nil
	}
	tier, err := tierArg(req, "tier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if tier == 0 {
		tier = trail.TierRecent
	}

	it, err := t.engine.Append(id, tier, content, boolArg(req, "key", false))
	if err != nil {
		return errorResult("appending to trail", err), nil
	}
	return jsonResult(it)
}

// ─── ctx_compression ─────────────────────────────────────────────────────────

// CompressionTool handles the ctx_compression MCP tool.
type CompressionTool struct {
	engine *engine.Engine
}

// NewCompressionTool creates a CompressionTool.
func NewCompressionTool(e *engine.Engine) *CompressionTool {
	return &CompressionTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_compression.
func (t *CompressionTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_compression",
		mcp.WithDescription(
			"Inspect or run paper-trail compression. Without arguments it previews the due "+
				"triggers and the tokens that could be freed. With apply=true it runs them. With a "+
				"tier it compresses that tier on request (tier 1 is refused).",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithBoolean("apply",
			mcp.Description("Apply due triggers and relieve budget pressure (default: false)"),
		),
		mcp.WithNumber("tier",
			mcp.Description("Compress this tier now (2-4)"),
		),
		mcp.WithArray("item_ids",
			mcp.Description("Items of the tier to compress (default: all)"),
			mcp.WithStringItems(),
		),
		mcp.WithString("reason",
			mcp.Description("Why the compression was requested"),
		),
	)
}

// Handle processes the ctx_compression tool call.
func (t *CompressionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	tier, err := tierArg(req, "tier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if tier != 0 {
		res, err := t.engine.RequestCompression(id, tier, stringsArg(req, "item_ids"), req.GetString("reason", "requested"))
		if err != nil {
			return errorResult("compressing", err), nil
		}
		return jsonResult(res)
	}

	rep, err := t.engine.Compression(id, boolArg(req, "apply", false))
	if err != nil && rep == nil {
		return errorResult("compression", err), nil
	}
	if err != nil {
		// Partial success: report what was applied alongside the error.
		return jsonResult(struct {
			*engine.CompressionReport
			Error string `json:"error"`
		}{rep, err.Error()})
	}
	return jsonResult(rep)
}

// ─── ctx_archive_search ──────────────────────────────────────────────────────

// ArchiveSearchTool handles the ctx_archive_search MCP tool.
type ArchiveSearchTool struct {
	engine *engine.Engine
}

// NewArchiveSearchTool creates an ArchiveSearchTool.
func NewArchiveSearchTool(e *engine.Engine) *ArchiveSearchTool {
	return &ArchiveSearchTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_archive_search.
func (t *ArchiveSearchTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_archive_search",
		mcp.WithDescription(
			"Full-text search over archived paper-trail content. Archived items never re-enter "+
				"context on their own; pass resurface_id to bring one back into tier 3.",
		),
		mcp.WithString("query",
			mcp.Description("Search terms"),
		),
		mcp.WithString("session_id",
			mcp.Description("Limit to one session (required with resurface_id)"),
		),
		mcp.WithString("resurface_id",
			mcp.Description("Archive ID to resurface instead of searching"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10)"),
		),
	)
}

// Handle processes the ctx_archive_search tool call.
func (t *ArchiveSearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")

	if archiveID := req.GetString("resurface_id", ""); archiveID != "" {
		if sessionID == "" {
			return mcp.NewToolResultError("'session_id' is required to resurface"), nil
		}
		it, err := t.engine.Resurface(sessionID, archiveID)
		if err != nil {
			return errorResult("resurfacing", err), nil
		}
		return jsonResult(it)
	}

	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	results, err := t.engine.SearchArchive(query, sessionID, intArg(req, "limit", 10))
	if err != nil {
		return errorResult("searching archive", err), nil
	}
	if results == nil {
		return mcp.NewToolResultText("[]"), nil
	}
	return jsonResult(results)
}
