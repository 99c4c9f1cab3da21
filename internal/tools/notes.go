package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/engine"
	"github.com/HendryAvila/papertrail/internal/vault"
)

// ─── ctx_note_search ─────────────────────────────────────────────────────────

// NoteSearchTool handles the ctx_note_search MCP tool. Searching never
// charges a budget.
type NoteSearchTool struct {
	engine *engine.Engine
}

// NewNoteSearchTool creates a NoteSearchTool.
func NewNoteSearchTool(e *engine.Engine) *NoteSearchTool {
	return &NoteSearchTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_note_search.
func (t *NoteSearchTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_note_search",
		mcp.WithDescription(
			"Search the notes vault by title, tag and content similarity. Results are ranked by "+
				"relevance and their token counts fit within max_tokens. Read-only.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query; '#tag' searches tags"),
		),
		mcp.WithNumber("max_tokens",
			mcp.Description("Token budget for the returned notes (default: the working budget)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10)"),
		),
	)
}

// Handle processes the ctx_note_search tool call.
func (t *NoteSearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	results := t.engine.SearchNotes(query, intArg(req, "max_tokens", 0), intArg(req, "limit", 10))
	if results == nil {
		results = []vault.Result{}
	}
	return jsonResult(results)
}

// ─── ctx_note_get ────────────────────────────────────────────────────────────

// NoteGetTool handles the ctx_note_get MCP tool.
type NoteGetTool struct {
	engine *engine.Engine
}

// NewNoteGetTool creates a NoteGetTool.
func NewNoteGetTool(e *engine.Engine) *NoteGetTool {
	return &NoteGetTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_note_get.
func (t *NoteGetTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_note_get",
		mcp.WithDescription(
			"Read a note by vault-relative path, or resolve an @mention ('@Title', '@dir/note', "+
				"'@#tag') to matching notes. Content is truncated to max_tokens.",
		),
		mcp.WithString("path",
			mcp.Description("Vault-relative path of the note"),
		),
		mcp.WithString("mention",
			mcp.Description("@mention to resolve instead of a path"),
		),
		mcp.WithNumber("max_tokens",
			mcp.Description("Truncate the content to this many tokens (default: no limit)"),
		),
	)
}

// Handle processes the ctx_note_get tool call.
func (t *NoteGetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := req.GetString("path", "")
	mention := req.GetString("mention", "")
	switch {
	case p == "" && mention == "":
		return mcp.NewToolResultError("'path' or 'mention' is required"), nil
	case p == "":
		notes := t.engine.ResolveMention(mention)
		if len(notes) == 0 {
			return mcp.NewToolResultError("not found: no note matches " + mention), nil
		}
		return jsonResult(notes)
	}

	c, err := t.engine.NoteContent(p, intArg(req, "max_tokens", 0))
	if err != nil {
		return errorResult("reading note", err), nil
	}
	n, err := t.engine.Note(p)
	if err != nil {
		return errorResult("reading note", err), nil
	}
	return jsonResult(struct {
		vault.Content
		Tags      []string `json:"tags,omitempty"`
		Links     []string `json:"links,omitempty"`
		Backlinks []string `json:"backlinks,omitempty"`
	}{c, n.Tags, linkTargets(n), n.Backlinks})
}

func linkTargets(n vault.Note) []string {
	var out []string
	for _, l := range n.Links {
		if l.Resolved != "" {
			out = append(out, l.Resolved)
		}
	}
	return out
}

// ─── ctx_note_related ────────────────────────────────────────────────────────

// NoteRelatedTool handles the ctx_note_related MCP tool.
type NoteRelatedTool struct {
	engine *engine.Engine
}

// NewNoteRelatedTool creates a NoteRelatedTool.
func NewNoteRelatedTool(e *engine.Engine) *NoteRelatedTool {
	return &NoteRelatedTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_note_related.
func (t *NoteRelatedTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_note_related",
		mcp.WithDescription(
			"List the notes linked to or from a note, following links and backlinks up to depth hops.",
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Vault-relative path of the starting note"),
		),
		mcp.WithNumber("depth",
			mcp.Description("Hops to follow, 1-3 (default: 1)"),
		),
	)
}

// Handle processes the ctx_note_related tool call.
func (t *NoteRelatedTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := req.GetString("path", "")
	if p == "" {
		return mcp.NewToolResultError("'path' is required"), nil
	}
	notes, err := t.engine.RelatedNotes(p, intArg(req, "depth", 1))
	if err != nil {
		return errorResult("walking links", err), nil
	}
	if notes == nil {
		notes = []vault.Note{}
	}
	return jsonResult(notes)
}
