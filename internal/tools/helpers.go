// Package tools provides the MCP tool handlers of the context engine.
//
// Each tool follows the same shape:
//   - a struct holding the *engine.Engine it delegates to
//   - Definition() returns the mcp.Tool schema
//   - Handle() validates arguments, calls the engine and returns JSON text
//
// Domain failures (unknown session, note not found, oversized file) are
// reported as tool errors, never as Go errors, so the host sees a message
// it can act on.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/papertrail/internal/archive"
	"github.com/HendryAvila/papertrail/internal/documents"
	"github.com/HendryAvila/papertrail/internal/engine"
	"github.com/HendryAvila/papertrail/internal/trail"
	"github.com/HendryAvila/papertrail/internal/vault"
)

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// tierArg reads a live tier number. Zero means the argument was absent.
func tierArg(req mcp.CallToolRequest, key string) (trail.Tier, error) {
	n := intArg(req, key, 0)
	if n == 0 {
		return 0, nil
	}
	t := trail.Tier(n)
	if !t.Valid() || t == trail.TierArchived {
		return 0, fmt.Errorf("'%s' must be a live tier between 1 and 4, got %d", key, n)
	}
	return t, nil
}

// stringsArg reads an array of strings, ignoring non-string elements.
func stringsArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult turns an engine error into a tool error. Lookups that miss
// are reported as "not found" so hosts can tell them from failures.
func errorResult(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, archive.ErrNotFound),
		errors.Is(err, trail.ErrItemNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %v", err))
	case errors.Is(err, engine.ErrInvalidSessionID):
		return mcp.NewToolResultError(fmt.Sprintf("invalid session id: %v", err))
	case errors.Is(err, trail.ErrTier1Immutable):
		return mcp.NewToolResultError("tier 1 is immutable and cannot be compressed")
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err))
}
