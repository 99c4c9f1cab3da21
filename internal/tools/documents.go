package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/documents"
	"github.com/HendryAvila/papertrail/internal/engine"
)

// ─── ctx_doc_ingest ──────────────────────────────────────────────────────────

// DocIngestTool handles the ctx_doc_ingest MCP tool.
type DocIngestTool struct {
	engine *engine.Engine
}

// NewDocIngestTool creates a DocIngestTool.
func NewDocIngestTool(e *engine.Engine) *DocIngestTool {
	return &DocIngestTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_doc_ingest.
func (t *DocIngestTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_doc_ingest",
		mcp.WithDescription(
			"Add a reference document to a session. Small documents are kept whole, medium ones "+
				"get a summary plus sections, large ones are chunked at structural boundaries "+
				"for retrieval. Give either a file path or inline text.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("path",
			mcp.Description("File to ingest (max 50 MB)"),
		),
		mcp.WithString("text",
			mcp.Description("Inline document text"),
		),
		mcp.WithString("name",
			mcp.Description("Name for inline text; its extension selects the chunking strategy"),
		),
		mcp.WithString("persistence",
			mcp.Description("How long the document lives (default: ephemeral)"),
			mcp.Enum(string(documents.Ephemeral), string(documents.Cached), string(documents.Permanent)),
		),
	)
}

// Handle processes the ctx_doc_ingest tool call.
func (t *DocIngestTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	persistence, err := documents.ParsePersistence(req.GetString("persistence", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ref, err := t.engine.IngestDocument(id, engine.IngestParams{
		Path:        req.GetString("path", ""),
		Name:        req.GetString("name", ""),
		Text:        req.GetString("text", ""),
		Persistence: persistence,
	})
	if err != nil {
		return errorResult("ingesting document", err), nil
	}
	return jsonResult(ref)
}

// ─── ctx_doc_retrieve ────────────────────────────────────────────────────────

// DocRetrieveTool handles the ctx_doc_retrieve MCP tool.
type DocRetrieveTool struct {
	engine *engine.Engine
}

// NewDocRetrieveTool creates a DocRetrieveTool.
func NewDocRetrieveTool(e *engine.Engine) *DocRetrieveTool {
	return &DocRetrieveTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_doc_retrieve.
func (t *DocRetrieveTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_doc_retrieve",
		mcp.WithDescription(
			"Retrieve the chunks of a session's documents most relevant to a query, within a "+
				"token budget. Without doc_id all documents of the session are searched. With "+
				"section the named section is returned instead. Without query the session's "+
				"documents are listed.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("query",
			mcp.Description("What to look for"),
		),
		mcp.WithString("doc_id",
			mcp.Description("Restrict to one document"),
		),
		mcp.WithString("section",
			mcp.Description("Return this section of doc_id verbatim"),
		),
		mcp.WithNumber("max_tokens",
			mcp.Description("Token budget for the returned chunks (default: 2000)"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Max chunks (default: no limit)"),
		),
	)
}

// Handle processes the ctx_doc_retrieve tool call.
func (t *DocRetrieveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	docID := req.GetString("doc_id", "")

	if name := req.GetString("section", ""); name != "" {
		if docID == "" {
			return mcp.NewToolResultError("'doc_id' is required with 'section'"), nil
		}
		sec, content, err := t.engine.DocumentSection(id, docID, name)
		if err != nil {
			return errorResult("reading section", err), nil
		}
		return jsonResult(struct {
			documents.Section
			Content string `json:"content"`
		}{sec, content})
	}

	query := req.GetString("query", "")
	if query == "" {
		refs, err := t.engine.Documents(id)
		if err != nil {
			return errorResult("listing documents", err), nil
		}
		if refs == nil {
			refs = []documents.Reference{}
		}
		return jsonResult(refs)
	}

	hits, err := t.engine.RetrieveDocument(id, docID, query, intArg(req, "max_tokens", 2000), intArg(req, "top_k", 0))
	if err != nil {
		return errorResult("retrieving", err), nil
	}
	if hits == nil {
		hits = []documents.Hit{}
	}
	return jsonResult(hits)
}
