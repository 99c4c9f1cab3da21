package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/archive"
	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/classify"
	"github.com/HendryAvila/papertrail/internal/engine"
)

func classificationNames() []string {
	cs := budget.Classifications()
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func poolNames() []string {
	out := make([]string, len(budget.Pools))
	for i, p := range budget.Pools {
		out[i] = string(p)
	}
	return out
}

// ─── ctx_session_open ────────────────────────────────────────────────────────

// SessionOpenTool handles the ctx_session_open MCP tool.
type SessionOpenTool struct {
	engine *engine.Engine
}

// NewSessionOpenTool creates a SessionOpenTool.
func NewSessionOpenTool(e *engine.Engine) *SessionOpenTool {
	return &SessionOpenTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_session_open.
func (t *SessionOpenTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_session_open",
		mcp.WithDescription(
			"Open a work session. A new session is classified against the paper trails of "+
				"earlier sessions (fit, adjacent, net_new or quick) and gets a token budget split "+
				"across history, notes, reference and reasoning. Reopening returns the stored state.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier: letters, digits, '-' and '_'"),
		),
		mcp.WithString("title",
			mcp.Description("Short title of the task"),
		),
		mcp.WithString("summary",
			mcp.Description("What the session is about, in a sentence or two"),
		),
		mcp.WithString("keywords",
			mcp.Description("Comma-separated keywords"),
		),
		mcp.WithBoolean("quick",
			mcp.Description("Mark the session as a quick task (no history is loaded)"),
		),
		mcp.WithString("classification",
			mcp.Description("Override the classifier"),
			mcp.Enum(classificationNames()...),
		),
	)
}

// Handle processes the ctx_session_open tool call.
func (t *SessionOpenTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}

	var keywords []string
	for _, k := range strings.Split(req.GetString("keywords", ""), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}

	info, err := t.engine.OpenSession(engine.OpenParams{
		ID: id,
		Signature: classify.Signature{
			Title:    req.GetString("title", ""),
			Summary:  req.GetString("summary", ""),
			Keywords: keywords,
			Quick:    boolArg(req, "quick", false),
		},
		Classification: budget.Classification(req.GetString("classification", "")),
	})
	if err != nil {
		return errorResult("opening session", err), nil
	}
	return jsonResult(info)
}

// ─── ctx_budget_status ───────────────────────────────────────────────────────

// BudgetStatusTool handles the ctx_budget_status MCP tool. It never
// changes state.
type BudgetStatusTool struct {
	engine *engine.Engine
}

// NewBudgetStatusTool creates a BudgetStatusTool.
func NewBudgetStatusTool(e *engine.Engine) *BudgetStatusTool {
	return &BudgetStatusTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_budget_status.
func (t *BudgetStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_budget_status",
		mcp.WithDescription(
			"Read-only budget report for a session: used and total tokens, percent used, "+
				"status (nominal, auto_compress, warn_user, force_compress) and per-pool allocation.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
	)
}

// Handle processes the ctx_budget_status tool call.
func (t *BudgetStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	rep, err := t.engine.Budget(id)
	if err != nil {
		return errorResult("reading budget", err), nil
	}
	return jsonResult(rep)
}

// ─── ctx_budget_record ───────────────────────────────────────────────────────

// BudgetRecordTool handles the ctx_budget_record MCP tool.
type BudgetRecordTool struct {
	engine *engine.Engine
}

// NewBudgetRecordTool creates a BudgetRecordTool.
func NewBudgetRecordTool(e *engine.Engine) *BudgetRecordTool {
	return &BudgetRecordTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_budget_record.
func (t *BudgetRecordTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_budget_record",
		mcp.WithDescription(
			"Charge tokens to one budget pool. The charge is rejected when the pool is "+
				"exhausted or the budget is at force_compress. Crossing 70% compresses the "+
				"paper trail automatically; the decision reports what happened.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("pool",
			mcp.Required(),
			mcp.Description("Pool to charge"),
			mcp.Enum(poolNames()...),
		),
		mcp.WithNumber("tokens",
			mcp.Required(),
			mcp.Description("Tokens consumed (positive)"),
		),
	)
}

// Handle processes the ctx_budget_record tool call.
func (t *BudgetRecordTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	pool, err := budget.ParsePool(req.GetString("pool", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n := intArg(req, "tokens", 0)
	if n <= 0 {
		return mcp.NewToolResultError("'tokens' must be a positive number"), nil
	}

	d, err := t.engine.RecordConsumption(id, pool, n)
	if err != nil {
		return errorResult("recording consumption", err), nil
	}
	rep, err := t.engine.Budget(id)
	if err != nil {
		return errorResult("reading budget", err), nil
	}
	return jsonResult(struct {
		Decision budget.Decision `json:"decision"`
		Budget   budget.Report   `json:"budget"`
	}{d, rep})
}

// ─── ctx_budget_release ──────────────────────────────────────────────────────

// BudgetReleaseTool handles the ctx_budget_release MCP tool.
type BudgetReleaseTool struct {
	engine *engine.Engine
}

// NewBudgetReleaseTool creates a BudgetReleaseTool.
func NewBudgetReleaseTool(e *engine.Engine) *BudgetReleaseTool {
	return &BudgetReleaseTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_budget_release.
func (t *BudgetReleaseTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_budget_release",
		mcp.WithDescription(
			"Give tokens back to a budget pool after dropping content from context. "+
				"Use it when a charge is blocked with needs_release: the paper trail had "+
				"nothing left to compress.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("pool",
			mcp.Required(),
			mcp.Description("Pool to credit"),
			mcp.Enum(poolNames()...),
		),
		mcp.WithNumber("tokens",
			mcp.Required(),
			mcp.Description("Tokens released (positive); capped at what the pool consumed"),
		),
	)
}

// Handle processes the ctx_budget_release tool call.
func (t *BudgetReleaseTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	pool, err := budget.ParsePool(req.GetString("pool", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n := intArg(req, "tokens", 0)
	if n <= 0 {
		return mcp.NewToolResultError("'tokens' must be a positive number"), nil
	}

	rep, err := t.engine.ReleaseConsumption(id, pool, n)
	if err != nil {
		return errorResult("releasing tokens", err), nil
	}
	return jsonResult(rep)
}

// ─── ctx_session_release ─────────────────────────────────────────────────────

// SessionReleaseTool handles the ctx_session_release MCP tool.
type SessionReleaseTool struct {
	engine *engine.Engine
}

// NewSessionReleaseTool creates a SessionReleaseTool.
func NewSessionReleaseTool(e *engine.Engine) *SessionReleaseTool {
	return &SessionReleaseTool{engine: e}
}

// Definition returns the MCP tool definition for ctx_session_release.
func (t *SessionReleaseTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_session_release",
		mcp.WithDescription(
			"End a work session. Ephemeral and cached documents are dropped, the head and "+
				"key evidence of the paper trail are distilled into memory, and the budget is "+
				"saved. The session can be reopened later.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
	)
}

// Handle processes the ctx_session_release tool call.
func (t *SessionReleaseTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if err := t.engine.ReleaseSession(id); err != nil {
		return errorResult("releasing session", err), nil
	}
	stats, err := t.engine.MemoryStats()
	if err != nil {
		return errorResult("reading memory stats", err), nil
	}
	return jsonResult(struct {
		SessionID string               `json:"session_id"`
		Released  bool                 `json:"released"`
		Memory    *archive.MemoryStats `json:"memory"`
	}{id, true, stats})
}
