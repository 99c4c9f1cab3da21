package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

var ixTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// writeVault creates files under a fresh root. Keys are slash paths.
func writeVault(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func mustBuild(t *testing.T, root string) (*Index, BuildStats) {
	t.Helper()
	ix := New(root, Options{})
	stats, err := ix.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	return ix, stats
}

func mustNote(t *testing.T, ix *Index, p string) Note {
	t.Helper()
	n, ok := ix.Note(p)
	if !ok {
		t.Fatalf("note %s not indexed", p)
	}
	return n
}

// ─── Link graph ──────────────────────────────────────────────────────────────

func TestRebuild_BacklinksAreBidirectional(t *testing.T) {
	root := writeVault(t, map[string]string{
		"A.md": "Links to [[B]] and to [[Missing Note]].",
		"B.md": "No links here.",
	})
	ix, stats := mustBuild(t, root)

	b := mustNote(t, ix, "B.md")
	if !slices.Equal(b.Backlinks, []string{"A.md"}) {
		t.Errorf("B.Backlinks = %v, want [A.md]", b.Backlinks)
	}
	a := mustNote(t, ix, "A.md")
	if len(a.Backlinks) != 0 {
		t.Errorf("A.Backlinks = %v, want none", a.Backlinks)
	}
	if len(a.Links) != 2 {
		t.Fatalf("A.Links = %+v", a.Links)
	}
	if !a.Links[1].Dangling() {
		t.Errorf("link to missing note resolved to %q", a.Links[1].Resolved)
	}
	if stats.Dangling != 1 || stats.Resolved != 1 || len(stats.Errors) != 0 {
		t.Errorf("stats = %+v", stats)
	}
	for _, n := range ix.Notes() {
		if slices.Contains(n.Backlinks, "Missing Note") {
			t.Errorf("dangling link produced a backlink on %s", n.Path)
		}
	}
}

func TestRebuild_EveryResolvedLinkHasBacklink(t *testing.T) {
	root := writeVault(t, map[string]string{
		"index.md":                 "See [[projects/alpha|Alpha]], [[Beta#Goals]] and [plan](projects/project-plan.md).",
		"projects/alpha.md":        "Alpha links back to [[index]].",
		"Beta.md":                  "---\naliases: [second]\n---\nBeta body.",
		"projects/project-plan.md": "Plan refers to [[second]] and [[Project Plan]].",
	})
	ix, _ := mustBuild(t, root)

	for _, n := range ix.Notes() {
		for _, l := range n.Links {
			if l.Dangling() {
				t.Errorf("%s: link %q did not resolve", n.Path, l.Raw)
				continue
			}
			if l.Resolved == n.Path {
				continue
			}
			target := mustNote(t, ix, l.Resolved)
			if !slices.Contains(target.Backlinks, n.Path) {
				t.Errorf("%s -> %s missing from target backlinks %v", n.Path, l.Resolved, target.Backlinks)
			}
		}
	}
	beta := mustNote(t, ix, "Beta.md")
	if !slices.Equal(beta.Backlinks, []string{"index.md", "projects/project-plan.md"}) {
		t.Errorf("Beta backlinks = %v", beta.Backlinks)
	}
}

func TestResolve_Order(t *testing.T) {
	root := writeVault(t, map[string]string{
		"project-plan.md": "plan",
		"notes/ideas.md":  "---\ntitle: Brainstorm\n---\nideas",
		"src.md": strings.Join([]string{
			"[[notes/ideas.md]]",
			"[[notes/ideas]]",
			"[[PROJECT-PLAN]]",
			"[[Brainstorm]]",
			"[[project plan]]",
			"[[projct-plan]]",
			"[[zzzzzz]]",
		}, " "),
	})
	ix, _ := mustBuild(t, root)

	src := mustNote(t, ix, "src.md")
	want := []struct{ resolved, via string }{
		{"notes/ideas.md", "path"},
		{"notes/ideas.md", "path"},
		{"project-plan.md", "title"},
		{"notes/ideas.md", "alias"},
		{"project-plan.md", "normalized"},
		{"project-plan.md", "fuzzy"},
		{"", ""},
	}
	if len(src.Links) != len(want) {
		t.Fatalf("links = %+v", src.Links)
	}
	for i, w := range want {
		if src.Links[i].Resolved != w.resolved || src.Links[i].Via != w.via {
			t.Errorf("link %q = (%q, %q), want (%q, %q)",
				src.Links[i].Raw, src.Links[i].Resolved, src.Links[i].Via, w.resolved, w.via)
		}
	}
}

// ─── Partial failure and containment ────────────────────────────────────────

func TestRebuild_SkipsMalformedAndHidden(t *testing.T) {
	root := writeVault(t, map[string]string{
		"good.md":             "fine",
		"bad.md":              "---\ntags: [unclosed\n---\nbody",
		".obsidian/config.md": "ignored",
		".hidden.md":          "ignored",
		"binary.md":           string([]byte{0xff, 0xfe, 0x00}),
	})
	ix, stats := mustBuild(t, root)

	if stats.Notes != 1 {
		t.Errorf("Notes = %d, want 1", stats.Notes)
	}
	if _, ok := ix.Note("good.md"); !ok {
		t.Error("good.md missing")
	}
	kinds := map[string]string{}
	for _, e := range stats.Errors {
		kinds[e.Path] = e.Kind
	}
	if kinds["bad.md"] != ErrKindMalformed || kinds["binary.md"] != ErrKindMalformed {
		t.Errorf("errors = %+v", stats.Errors)
	}
	if _, ok := kinds[".obsidian/config.md"]; ok {
		t.Error("hidden directory was scanned")
	}
}

func TestRebuild_RejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.md")
	if err := os.WriteFile(secret, []byte("outside the vault"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := writeVault(t, map[string]string{"inside.md": "[[escape]]"})
	if err := os.Symlink(secret, filepath.Join(root, "escape.md")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	ix, stats := mustBuild(t, root)
	if _, ok := ix.Note("escape.md"); ok {
		t.Fatal("escaping symlink was indexed")
	}
	found := false
	for _, e := range stats.Errors {
		if e.Path == "escape.md" && e.Kind == ErrKindContainment {
			found = true
		}
	}
	if !found {
		t.Errorf("containment error not recorded: %+v", stats.Errors)
	}
	if !mustNote(t, ix, "inside.md").Links[0].Dangling() {
		t.Error("link to rejected file resolved")
	}
}

func TestContent_RejectsSwappedSymlink(t *testing.T) {
	root := writeVault(t, map[string]string{"note.md": "hello"})
	ix, _ := mustBuild(t, root)

	outside := filepath.Join(t.TempDir(), "x.md")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(root, "note.md")
	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, p); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := ix.Content("note.md", 0); !errors.Is(err, ErrPathEscape) {
		t.Errorf("Content = %v, want ErrPathEscape", err)
	}
}

func TestRebuild_MissingRootKeepsOldSnapshot(t *testing.T) {
	root := writeVault(t, map[string]string{"a.md": "a"})
	ix, _ := mustBuild(t, root)
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Rebuild(context.Background()); err == nil {
		t.Fatal("expected error for missing root")
	}
	if _, ok := ix.Note("a.md"); !ok {
		t.Error("failed rebuild discarded the previous snapshot")
	}
}

func TestRebuild_ConcurrentCallsShareResult(t *testing.T) {
	root := writeVault(t, map[string]string{"a.md": "[[b]]", "b.md": "b"})
	ix := New(root, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ix.Rebuild(context.Background()); err != nil {
				t.Errorf("Rebuild: %v", err)
			}
			ix.Search("b", 0, 10)
		}()
	}
	wg.Wait()
	if got := ix.Stats().Notes; got != 2 {
		t.Errorf("Notes = %d, want 2", got)
	}
}

func TestRebuild_CancelledContextStillSwaps(t *testing.T) {
	root := writeVault(t, map[string]string{"a.md": "a"})
	ix := New(root, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = ix.Rebuild(ctx)

	// The build may still be finishing; a second call joins or repeats it.
	if _, err := ix.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ix.Stats().Notes != 1 {
		t.Error("index not swapped in")
	}
}

// ─── Parsing ─────────────────────────────────────────────────────────────────

func TestParseNote_FrontmatterTagsSummary(t *testing.T) {
	src := "---\ntitle: Caching Strategy\ntags: design, perf\naliases:\n  - cache\n---\n" +
		"# Heading\n\nFirst paragraph with #inline-tag and #42.\n\n```go\n// #notatag [[notalink]]\n```\n\nSecond."
	n, err := parseNote("dir/cache.md", []byte(src), ixTime, func(s string) int { return len(s) })
	if err != nil {
		t.Fatal(err)
	}
	if n.Title != "cache" {
		t.Errorf("Title = %q", n.Title)
	}
	if !slices.Equal(n.Aliases, []string{"Caching Strategy"}) {
		t.Errorf("Aliases = %v", n.Aliases)
	}
	if !slices.Equal(n.Tags, []string{"design", "inline-tag", "perf"}) {
		t.Errorf("Tags = %v", n.Tags)
	}
	if n.Summary != "First paragraph with #inline-tag and #42." {
		t.Errorf("Summary = %q", n.Summary)
	}
	if len(n.Links) != 0 {
		t.Errorf("links inside code were extracted: %+v", n.Links)
	}
	if n.Checksum == "" || n.Vector.IsZero() {
		t.Error("checksum or vector missing")
	}
}

func TestParseWikiLink(t *testing.T) {
	tests := []struct {
		raw, inner             string
		target, heading, alias string
		ok                     bool
	}{
		{"[[Note]]", "Note", "Note", "", "", true},
		{"[[Note|Shown]]", "Note|Shown", "Note", "", "Shown", true},
		{"[[Note#Part|Shown]]", "Note#Part|Shown", "Note", "Part", "Shown", true},
		{"![[diagram.png]]", "diagram.png", "", "", "", false},
		{"[[#Local]]", "#Local", "", "", "", false},
	}
	for _, tt := range tests {
		l, ok := parseWikiLink(tt.raw, tt.inner)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v", tt.raw, ok)
			continue
		}
		if ok && (l.Target != tt.target || l.Heading != tt.heading || l.Alias != tt.alias) {
			t.Errorf("%s = %+v", tt.raw, l)
		}
	}
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func TestSearch_Ranking(t *testing.T) {
	root := writeVault(t, map[string]string{
		"cache.md":        "exact",
		"cache-design.md": "partial",
		"misc.md":         "Tagged #cache here.",
		"eviction.md":     "How the cache evicts entries.",
		"unrelated.md":    "Nothing to see.",
	})
	ix, _ := mustBuild(t, root)

	got := ix.Search("cache", 0, 0)
	var order []string
	for _, r := range got {
		if r.MatchType != MatchSemantic {
			order = append(order, r.Path+":"+r.MatchType)
		}
	}
	want := []string{
		"cache.md:" + MatchExactTitle,
		"cache-design.md:" + MatchPartialTitle,
		"misc.md:" + MatchTag,
		"eviction.md:" + MatchContent,
	}
	if !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestSearch_RespectsBudgetAndLimit(t *testing.T) {
	root := writeVault(t, map[string]string{
		"alpha.md":       strings.Repeat("x", 400),
		"alpha-two.md":   "short",
		"alpha-three.md": "short",
	})
	ix, _ := mustBuild(t, root)

	got := ix.Search("alpha", 50, 0)
	total := 0
	for _, r := range got {
		total += r.TokenCount
		if r.Path == "alpha.md" {
			t.Error("over-budget note included")
		}
	}
	if total > 50 || len(got) != 2 {
		t.Errorf("results = %+v", got)
	}
	if got := ix.Search("alpha", 0, 1); len(got) != 1 {
		t.Errorf("limit ignored: %d results", len(got))
	}
}

func TestRelated_WalksBothDirections(t *testing.T) {
	root := writeVault(t, map[string]string{
		"a.md": "[[b]]",
		"b.md": "[[c]]",
		"c.md": "end",
		"d.md": "[[a]]",
	})
	ix, _ := mustBuild(t, root)

	one, err := ix.Related("a.md", 1)
	if err != nil {
		t.Fatal(err)
	}
	if paths(one) != "b.md,d.md" {
		t.Errorf("depth 1 = %s", paths(one))
	}
	two, _ := ix.Related("a.md", 2)
	if paths(two) != "b.md,d.md,c.md" {
		t.Errorf("depth 2 = %s", paths(two))
	}
	if _, err := ix.Related("nope.md", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Related(missing) = %v", err)
	}
}

func TestContent_Truncates(t *testing.T) {
	root := writeVault(t, map[string]string{"long.md": strings.Repeat("word ", 400)})
	ix, _ := mustBuild(t, root)

	full, err := ix.Content("long.md", 0)
	if err != nil || full.Truncated {
		t.Fatalf("Content(0) = %+v, %v", full.Truncated, err)
	}
	c, err := ix.Content("long.md", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Truncated || c.TokenCount > 100 || !strings.Contains(c.Content, "[TRUNCATED:") {
		t.Errorf("truncated = %v tokens = %d", c.Truncated, c.TokenCount)
	}
	if _, err := ix.Content("../etc/passwd", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("Content(traversal) = %v, want ErrNotFound", err)
	}
}

func TestResolveMention(t *testing.T) {
	root := writeVault(t, map[string]string{
		"notes/daily.md": "Daily log #journal",
		"weekly.md":      "Weekly #journal",
	})
	ix, _ := mustBuild(t, root)

	if got := paths(ix.Resolve("@#journal")); got != "notes/daily.md,weekly.md" {
		t.Errorf("@#journal = %s", got)
	}
	if got := paths(ix.Resolve("@notes/daily")); got != "notes/daily.md" {
		t.Errorf("@notes/daily = %s", got)
	}
	if got := paths(ix.Resolve("@Weekly")); got != "weekly.md" {
		t.Errorf("@Weekly = %s", got)
	}
	if got := ix.Resolve("@"); got != nil {
		t.Errorf("@ = %v", got)
	}
}

func paths(notes []Note) string {
	var out []string
	for _, n := range notes {
		out = append(out, n.Path)
	}
	return strings.Join(out, ",")
}
