// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it takes the engine and injects it into
// the tools, prompts and resources that expose it. No business logic
// lives here, only wiring.
package server

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/papertrail/internal/engine"
	"github.com/HendryAvila/papertrail/internal/prompts"
	"github.com/HendryAvila/papertrail/internal/resources"
	"github.com/HendryAvila/papertrail/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with every tool, prompt and resource
// registered against e. The caller owns e and closes it on shutdown.
func New(e *engine.Engine) *server.MCPServer {
	s := server.NewMCPServer(
		"papertrail",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	registerTools(s, e)

	// --- Register prompts ---

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(e)
	s.AddResource(resourceHandler.VaultStatsResource(), resourceHandler.HandleVaultStats)
	s.AddResource(resourceHandler.ArchiveStatsResource(), resourceHandler.HandleArchiveStats)
	s.AddResource(resourceHandler.MemoryStatsResource(), resourceHandler.HandleMemoryStats)

	return s
}

// registerTools registers the ctx_* tools with the server.
func registerTools(s *server.MCPServer, e *engine.Engine) {
	// --- Sessions & budget ---
	sessionOpen := tools.NewSessionOpenTool(e)
	s.AddTool(sessionOpen.Definition(), sessionOpen.Handle)

	budgetStatus := tools.NewBudgetStatusTool(e)
	s.AddTool(budgetStatus.Definition(), budgetStatus.Handle)

	budgetRecord := tools.NewBudgetRecordTool(e)
	s.AddTool(budgetRecord.Definition(), budgetRecord.Handle)

	budgetRelease := tools.NewBudgetReleaseTool(e)
	s.AddTool(budgetRelease.Definition(), budgetRelease.Handle)

	sessionRelease := tools.NewSessionReleaseTool(e)
	s.AddTool(sessionRelease.Definition(), sessionRelease.Handle)

	// --- Paper trail & compression ---
	trailAppend := tools.NewTrailAppendTool(e)
	s.AddTool(trailAppend.Definition(), trailAppend.Handle)

	compression := tools.NewCompressionTool(e)
	s.AddTool(compression.Definition(), compression.Handle)

	archiveSearch := tools.NewArchiveSearchTool(e)
	s.AddTool(archiveSearch.Definition(), archiveSearch.Handle)

	// --- Memory ---
	memoryWrite := tools.NewMemoryWriteTool(e)
	s.AddTool(memoryWrite.Definition(), memoryWrite.Handle)

	memoryRead := tools.NewMemoryReadTool(e)
	s.AddTool(memoryRead.Definition(), memoryRead.Handle)

	memoryList := tools.NewMemoryListTool(e)
	s.AddTool(memoryList.Definition(), memoryList.Handle)

	memoryForget := tools.NewMemoryForgetTool(e)
	s.AddTool(memoryForget.Definition(), memoryForget.Handle)

	// --- Vault ---
	noteSearch := tools.NewNoteSearchTool(e)
	s.AddTool(noteSearch.Definition(), noteSearch.Handle)

	noteGet := tools.NewNoteGetTool(e)
	s.AddTool(noteGet.Definition(), noteGet.Handle)

	noteRelated := tools.NewNoteRelatedTool(e)
	s.AddTool(noteRelated.Definition(), noteRelated.Handle)

	// --- Reference documents ---
	docIngest := tools.NewDocIngestTool(e)
	s.AddTool(docIngest.Definition(), docIngest.Handle)

	docRetrieve := tools.NewDocRetrieveTool(e)
	s.AddTool(docRetrieve.Definition(), docRetrieve.Handle)

	// --- Tokens & context ---
	countTokens := tools.NewCountTokensTool(e)
	s.AddTool(countTokens.Definition(), countTokens.Handle)

	assemble := tools.NewContextAssembleTool(e)
	s.AddTool(assemble.Definition(), assemble.Handle)
}

// serverInstructions returns the system instructions that tell the AI
// how to use the engine.
func serverInstructions() string {
	return `You have access to papertrail, a context and memory engine.

## Sessions
Call ctx_session_open at the start of every task with a short title and summary.
The session is classified against earlier work:
- fit: the task continues earlier work, history gets the largest share
- adjacent: related work, notes and history share the budget
- net_new: unrelated to anything recorded, reasoning gets most of the budget
- quick: a small task, no history is loaded

## Budget
Every session has a token budget split into four pools: history, notes,
reference and reasoning. Use ctx_context_assemble to load context; it charges
what it serves. Charge your own reasoning with ctx_budget_record.

At 70% the paper trail is compressed automatically. At 85% you will get an
advisory: wrap up or compress. At 95% further consumption is blocked until
compression runs (ctx_compression with apply=true). If the decision says
needs_release, nothing was left to compress: drop content from your context
and give its tokens back with ctx_budget_release.

## Paper trail
Record progress with ctx_trail_append:
- tier 1: the goal and hard constraints. Never compressed.
- tier 2: key evidence and decisions.
- tier 3: recent work (default).
- tier 4: older history.
Tiers 3 and 4 are summarized and archived as they age. Archived content never
returns on its own; find it with ctx_archive_search and resurface it explicitly.

## Memory
Memories outlive sessions and shape how new sessions are classified.
ctx_session_release ends a session and distills tiers 1 and 2 into memory.
Store lasting facts (semantic), strategies that worked (procedural) or past
outcomes (episodic) with ctx_memory_write; find them with ctx_memory_read.

## Notes and documents
ctx_note_search, ctx_note_get and ctx_note_related read the notes vault.
ctx_doc_ingest adds reference documents to a session; ctx_doc_retrieve returns
only the chunks relevant to a query.`
}
