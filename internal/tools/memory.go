package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/archive"
	"github.com/HendryAvila/papertrail/internal/engine"
)

func memoryKindNames() []string {
	out := make([]string, len(archive.MemoryKinds))
	for i, k := range archive.MemoryKinds {
		out[i] = string(k)
	}
	return out
}

// metadataArg reads a flat object argument; non-string values are
// rendered with %v.
func metadataArg(req mcp.CallToolRequest, key string) map[string]string {
	raw, ok := req.GetArguments()[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// ─── ctx_memory_write ────────────────────────────────────────────────────────

// MemoryWriteTool handles the ctx_memory_write MCP tool.
type MemoryWriteTool struct {
	engine *engine.Engine
}

// NewMemoryWriteTool creates a MemoryWriteTool.
func NewMemoryWriteTool(e *engine.Engine) *MemoryWriteTool {
	return &MemoryWriteTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_memory_write.
func (t *MemoryWriteTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_memory_write",
		mcp.WithDescription(
			"Store a memory that outlives the session. semantic: facts and conclusions; "+
				"procedural: strategies that worked; episodic: past outcomes and open threads. "+
				"Writing an existing id replaces its content.",
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Memory kind"),
			mcp.Enum(memoryKindNames()...),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("What to remember"),
		),
		mcp.WithString("id",
			mcp.Description("Stable identifier (generated when omitted)"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Flat string key/value pairs kept with the memory"),
		),
	)
}

// Handle processes the ctx_memory_write tool call.
func (t *MemoryWriteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := archive.ParseMemoryKind(req.GetString("kind", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	m, err := t.engine.WriteMemory(archive.MemoryParams{
		Kind:     kind,
		ID:       req.GetString("id", ""),
		Content:  content,
		Metadata: metadataArg(req, "metadata"),
	})
	if err != nil {
		return errorResult("writing memory", err), nil
	}
	return jsonResult(m)
}

// ─── ctx_memory_read ─────────────────────────────────────────────────────────

// MemoryReadTool handles the ctx_memory_read MCP tool.
type MemoryReadTool struct {
	engine *engine.Engine
}

// NewMemoryReadTool creates a MemoryReadTool.
func NewMemoryReadTool(e *engine.Engine) *MemoryReadTool {
	return &MemoryReadTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_memory_read.
func (t *MemoryReadTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_memory_read",
		mcp.WithDescription(
			"Find the memories of one kind most relevant to a query, most relevant first.",
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Memory kind"),
			mcp.Enum(memoryKindNames()...),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("What you are looking for"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 5)"),
		),
	)
}

// Handle processes the ctx_memory_read tool call.
func (t *MemoryReadTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := archive.ParseMemoryKind(req.GetString("kind", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	ms, err := t.engine.ReadMemories(kind, query, intArg(req, "limit", 5))
	if err != nil {
		return errorResult("reading memories", err), nil
	}
	if ms == nil {
		return mcp.NewToolResultText("[]"), nil
	}
	return jsonResult(ms)
}

// ─── ctx_memory_list ─────────────────────────────────────────────────────────

// MemoryListTool handles the ctx_memory_list MCP tool.
type MemoryListTool struct {
	engine *engine.Engine
}

// NewMemoryListTool creates a MemoryListTool.
func NewMemoryListTool(e *engine.Engine) *MemoryListTool {
	return &MemoryListTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_memory_list.
func (t *MemoryListTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_memory_list",
		mcp.WithDescription("List stored memories, newest first."),
		mcp.WithString("kind",
			mcp.Description("Only this kind (default: all)"),
			mcp.Enum(memoryKindNames()...),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 50)"),
		),
	)
}

// Handle processes the ctx_memory_list tool call.
func (t *MemoryListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var kind archive.MemoryKind
	if raw := req.GetString("kind", ""); raw != "" {
		k, err := archive.ParseMemoryKind(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		kind = k
	}
	limit := intArg(req, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	ms, err := t.engine.ListMemories(kind, limit)
	if err != nil {
		return errorResult("listing memories", err), nil
	}
	if ms == nil {
		return mcp.NewToolResultText("[]"), nil
	}
	return jsonResult(ms)
}

// ─── ctx_memory_forget ───────────────────────────────────────────────────────

// MemoryForgetTool handles the ctx_memory_forget MCP tool.
type MemoryForgetTool struct {
	engine *engine.Engine
}

// NewMemoryForgetTool creates a MemoryForgetTool.
func NewMemoryForgetTool(e *engine.Engine) *MemoryForgetTool {
	return &MemoryForgetTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_memory_forget.
func (t *MemoryForgetTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_memory_forget",
		mcp.WithDescription(
			"Delete one memory by id, or every memory of a kind with all=true. "+
				"Clearing a kind cannot be undone.",
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Memory kind"),
			mcp.Enum(memoryKindNames()...),
		),
		mcp.WithString("id",
			mcp.Description("Memory to delete"),
		),
		mcp.WithBoolean("all",
			mcp.Description("Delete every memory of the kind"),
		),
	)
}

// Handle processes the ctx_memory_forget tool call.
func (t *MemoryForgetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := archive.ParseMemoryKind(req.GetString("kind", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("id", "")
	all := boolArg(req, "all", false)

	switch {
	case id != "" && all:
		return mcp.NewToolResultError("pass either 'id' or 'all', not both"), nil
	case all:
		n, err := t.engine.ClearMemories(kind)
		if err != nil {
			return errorResult("clearing memories", err), nil
		}
		return jsonResult(map[string]any{"kind": kind, "removed": n})
	case id != "":
		if err := t.engine.DeleteMemory(kind, id); err != nil {
			return errorResult("deleting memory", err), nil
		}
		return jsonResult(map[string]any{"kind": kind, "removed": 1})
	}
	return mcp.NewToolResultError("'id' or 'all' is required"), nil
}
