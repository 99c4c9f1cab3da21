// Package prompts implements the MCP prompts of the context engine.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// StatusPrompt handles the context-status MCP prompt.
// It instructs the AI to report a session's budget and paper trail.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("context-status",
		mcp.WithPromptDescription(
			"Check how full the context of a session is: budget per pool, compression "+
				"status and what can be freed.",
		),
		mcp.WithArgument("session_id",
			mcp.ArgumentDescription("Session to report on"),
			mcp.RequiredArgument(),
		),
	)
}

// Handle processes the context-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	id := req.Params.Arguments["session_id"]
	if id == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	return &mcp.GetPromptResult{
		Description: "Context status for " + id,
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Please run `ctx_budget_status` and `ctx_compression` for session %q.\n\n"+
						"Then:\n"+
						"1. Show used versus total tokens and the status (nominal, auto_compress, warn_user, force_compress)\n"+
						"2. List each pool with allocated, consumed and remaining tokens\n"+
						"3. Report the due compression triggers and how many tokens could be freed\n"+
						"4. If the status is warn_user or force_compress, recommend running `ctx_compression` with apply=true",
					id,
				)),
			},
		},
	}, nil
}
