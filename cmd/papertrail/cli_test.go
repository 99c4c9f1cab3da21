package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/classify"
	"github.com/HendryAvila/papertrail/internal/config"
	"github.com/HendryAvila/papertrail/internal/engine"
	"github.com/HendryAvila/papertrail/internal/server"
	"github.com/HendryAvila/papertrail/internal/tokens"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := buildRootCommand()
	want := []string{"serve", "count", "index", "search", "budget", "sweep", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.String(); got != "papertrail v"+server.Version+"\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestRunCount_Stdin(t *testing.T) {
	counter := tokens.NewCounter(tokens.Options{EstimateOnly: true})
	var out bytes.Buffer
	if err := runCount(&out, strings.NewReader("twelve bytes"), counter, nil); err != nil {
		t.Fatalf("runCount: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "3" {
		t.Errorf("count = %q, want 3", got)
	}
}

func TestRunCount_FilesWithTotal(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	if err := os.WriteFile(a, []byte("12345678"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("1234"), 0o644); err != nil {
		t.Fatal(err)
	}

	counter := tokens.NewCounter(tokens.Options{EstimateOnly: true})
	var out bytes.Buffer
	if err := runCount(&out, nil, counter, []string{a, b}); err != nil {
		t.Fatalf("runCount: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out.String())
	}
	if !strings.HasSuffix(lines[2], "total") || strings.Fields(lines[2])[0] != "3" {
		t.Errorf("total line = %q, want 3 total", lines[2])
	}
}

func TestRunCount_MissingFile(t *testing.T) {
	counter := tokens.NewCounter(tokens.Options{EstimateOnly: true})
	var out bytes.Buffer
	if err := runCount(&out, nil, counter, []string{filepath.Join(t.TempDir(), "nope.md")}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRunBudget(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.VaultPath = ""
	cfg.Tokens.Estimate = true
	cfg.Watcher.Enabled = false

	e, err := engine.New(engine.Options{Config: cfg})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	var out bytes.Buffer
	if err := runBudget(&out, e, nil); err != nil {
		t.Fatalf("runBudget: %v", err)
	}
	if !strings.Contains(out.String(), "No sessions.") {
		t.Errorf("empty listing = %q", out.String())
	}

	if _, err := e.OpenSession(engine.OpenParams{
		ID:             "auth-refactor",
		Signature:      classify.Signature{Title: "Refactor auth"},
		Classification: budget.Quick,
	}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	out.Reset()
	if err := runBudget(&out, e, nil); err != nil {
		t.Fatalf("runBudget: %v", err)
	}
	if !strings.Contains(out.String(), "auth-refactor") || !strings.Contains(out.String(), "quick") {
		t.Errorf("listing = %q", out.String())
	}

	out.Reset()
	if err := runBudget(&out, e, []string{"auth-refactor"}); err != nil {
		t.Fatalf("runBudget(id): %v", err)
	}
	if !strings.Contains(out.String(), `"session_id": "auth-refactor"`) {
		t.Errorf("report = %q", out.String())
	}

	if err := runBudget(&out, e, []string{"missing"}); err == nil {
		t.Error("expected error for unknown session")
	}
}
