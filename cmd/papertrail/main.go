// papertrail: context and memory engine for AI coding sessions.
//
// It keeps a tiered paper trail per session, splits the context window
// into budget pools, compresses history as it ages and serves notes and
// reference documents within budget, all over MCP stdio.
//
// Usage:
//
//	papertrail serve           # Start MCP server (stdio transport)
//	papertrail count FILE...   # Count tokens
//	papertrail index           # Index the notes vault
//	papertrail search QUERY    # Search the notes vault
//	papertrail budget [ID]     # Show session budgets
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
