// Package resources implements the MCP resource handlers of the context
// engine.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (papertrail://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/engine"
)

const (
	// VaultStatsURI addresses the statistics of the last vault build.
	VaultStatsURI = "papertrail://vault/stats"
	// ArchiveStatsURI addresses aggregate archive statistics.
	ArchiveStatsURI = "papertrail://archive/stats"
	// MemoryStatsURI addresses per-kind memory counts.
	MemoryStatsURI = "papertrail://memory/stats"
)

// Handler serves engine resources.
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

// VaultStatsResource returns the MCP resource definition for vault statistics.
func (h *Handler) VaultStatsResource() mcp.Resource {
	return mcp.NewResource(
		VaultStatsURI,
		"Vault index statistics",
		mcp.WithResourceDescription("Notes, links, dangling links, tags and per-file errors of the last vault build"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleVaultStats returns the vault statistics as JSON.
func (h *Handler) HandleVaultStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(req.Params.URI, h.engine.VaultStats())
}

// ArchiveStatsResource returns the MCP resource definition for archive
// statistics.
func (h *Handler) ArchiveStatsResource() mcp.Resource {
	return mcp.NewResource(
		ArchiveStatsURI,
		"Archive statistics",
		mcp.WithResourceDescription("Archived items, sessions, stored bytes and compression triggers"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleArchiveStats returns the archive statistics as JSON.
func (h *Handler) HandleArchiveStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := h.engine.ArchiveStats()
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, stats)
}

// MemoryStatsResource returns the MCP resource definition for memory
// statistics.
func (h *Handler) MemoryStatsResource() mcp.Resource {
	return mcp.NewResource(
		MemoryStatsURI,
		"Memory statistics",
		mcp.WithResourceDescription("Semantic, procedural and episodic memories kept across sessions"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleMemoryStats returns the memory counts as JSON.
func (h *Handler) HandleMemoryStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := h.engine.MemoryStats()
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, stats)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
