package documents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// codeExtensions maps file extensions to a language name. Languages
// without a grammar in grammars fall back to blank-line grouping.
var codeExtensions = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "tsx",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".swift": "swift",
	".sh":    "shell",
	".sql":   "sql",
}

var grammars = map[string]func() *sitter.Language{
	"go":         golang.GetLanguage,
	"python":     python.GetLanguage,
	"javascript": javascript.GetLanguage,
	"typescript": typescript.GetLanguage,
	"tsx":        tsx.GetLanguage,
	"rust":       rust.GetLanguage,
}

var markdown = goldmark.New()

type heading struct {
	text  string
	level int
}

// cut is a position where a unit may start.
type cut struct {
	at      int
	section int // index into headings, or -1
	label   string
	hard    bool
}

// structure finds the units of doc according to its kind.
func (c *Chunker) structure(doc Document) ([]unit, []heading) {
	var cuts []cut
	var headings []heading
	switch doc.Kind {
	case KindMarkdown:
		cuts, headings = markdownCuts(doc.Text)
	case KindCode:
		var ok bool
		if cuts, ok = codeCuts(doc.Text, doc.Language); !ok {
			cuts = softCuts(paragraphStarts(doc.Text, 0, len(doc.Text)))
		}
	default:
		cuts = softCuts(paragraphStarts(doc.Text, 0, len(doc.Text)))
	}
	return unitsFrom(doc.Text, cuts), headings
}

// unitsFrom turns sorted cut positions into contiguous units covering the
// whole text. Units inherit the section and label of the last cut that
// set one.
func unitsFrom(src string, cuts []cut) []unit {
	sort.SliceStable(cuts, func(i, j int) bool { return cuts[i].at < cuts[j].at })
	var units []unit
	cur := unit{start: 0, section: -1}
	for _, ct := range cuts {
		if ct.at < 0 || ct.at > len(src) {
			continue
		}
		if ct.at > cur.start {
			cur.end = ct.at
			units = append(units, cur)
			cur = unit{start: ct.at, section: cur.section, label: cur.label}
		}
		if ct.section >= 0 {
			cur.section = ct.section
		}
		if ct.label != "" {
			cur.label = ct.label
		}
		cur.hard = cur.hard || ct.hard
	}
	cur.end = len(src)
	if cur.end > cur.start || len(units) == 0 {
		units = append(units, cur)
	}
	return units
}

func softCuts(offsets []int) []cut {
	out := make([]cut, len(offsets))
	for i, off := range offsets {
		out[i] = cut{at: off, section: -1}
	}
	return out
}

// markdownCuts places a hard cut at every top-level heading, found via the
// goldmark AST so headings inside code fences are ignored, and soft cuts
// at paragraph breaks.
func markdownCuts(src string) ([]cut, []heading) {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var cuts []cut
	var headings []heading
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		h, ok := node.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		title := strings.TrimSpace(string(seg.Value(source)))
		if title == "" {
			continue
		}
		cuts = append(cuts, cut{
			at:      lineStart(src, seg.Start),
			section: len(headings),
			hard:    true,
		})
		headings = append(headings, heading{text: title, level: h.Level})
	}
	cuts = append(cuts, softCuts(paragraphStarts(src, 0, len(src)))...)
	return cuts, headings
}

// codeCuts places a soft cut before every top-level declaration. Comments
// stay attached to the declaration that follows them.
func codeCuts(src, language string) ([]cut, bool) {
	lang, ok := grammars[language]
	if !ok {
		return nil, false
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang())

	source := []byte(src)
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, false
	}
	defer tree.Close()

	root := tree.RootNode()
	var cuts []cut
	prevComment := false
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		isComment := strings.Contains(child.Type(), "comment")
		if !prevComment {
			cuts = append(cuts, cut{
				at:      lineStart(src, int(child.StartByte())),
				section: -1,
				label:   declLabel(child, source, isComment),
			})
		}
		prevComment = isComment
	}
	if len(cuts) == 0 {
		return nil, false
	}
	return cuts, true
}

// declLabel names a top-level unit by its first non-comment line.
func declLabel(n *sitter.Node, source []byte, isComment bool) string {
	if isComment {
		if next := n.NextNamedSibling(); next != nil {
			n = next
		}
	}
	line := string(source[n.StartByte():n.EndByte()])
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), "{"))
	if len(line) > 80 {
		line = truncateRunes(line, 80)
	}
	return line
}

// ─── Boundaries ──────────────────────────────────────────────────────────────

// paragraphStarts returns the offsets in (start, end) that begin a
// paragraph, i.e. follow a blank line.
func paragraphStarts(src string, start, end int) []int {
	var out []int
	i := start
	for i < end {
		j := strings.Index(src[i:end], "\n\n")
		if j < 0 {
			break
		}
		k := i + j + 2
		for k < end && (src[k] == '\n' || src[k] == '\r') {
			k++
		}
		if k < end && k > start {
			out = append(out, k)
		}
		i = k
	}
	return out
}

// lineStarts returns the offsets in (start, end) that follow a newline.
func lineStarts(src string, start, end int) []int {
	var out []int
	for i := start; i < end-1; i++ {
		if src[i] == '\n' {
			out = append(out, i+1)
		}
	}
	return out
}

// windowStarts returns rune-aligned offsets every size bytes.
func windowStarts(src string, start, end, size int) []int {
	size = max(size, 4)
	var out []int
	prev := start
	for off := start + size; off < end; off += size {
		at := off
		for at > prev && !isRuneStart(src[at]) {
			at--
		}
		if at > prev {
			out = append(out, at)
			prev = at
		}
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func lineStart(src string, off int) int {
	off = min(off, len(src))
	if i := strings.LastIndexByte(src[:off], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// ─── Summaries ───────────────────────────────────────────────────────────────

// summarize builds an extractive overview: a header and, per section, its
// heading and opening sentence, within a budget of 5% of the document
// (200 to 1000 tokens).
func (c *Chunker) summarize(d *Ingested) string {
	limit := min(max(d.TotalTokens/20, 200), 1000)
	header := fmt.Sprintf("%s: %d tokens in %d chunks, %d sections.", d.Name, d.TotalTokens, len(d.Chunks), len(d.Sections))
	var b strings.Builder
	b.WriteString(header)
	used := c.counter.Count(header)
	for _, s := range d.Sections {
		lead := openingSentence(d.Chunks[s.StartChunk].Content, s.Heading)
		line := fmt.Sprintf("\n- %s (%d tokens)", s.Heading, s.Tokens)
		if lead != "" {
			line += ": " + lead
		}
		n := c.counter.Count(line)
		if used+n > limit {
			break
		}
		b.WriteString(line)
		used += n
	}
	return b.String()
}

// openingSentence returns the first sentence of content that is not the
// heading line itself.
func openingSentence(content, heading string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.Trim(line, "=-") == "" || line == heading {
			continue
		}
		if i := strings.IndexAny(line, ".!?"); i >= 0 && i < len(line)-1 {
			line = line[:i+1]
		}
		return truncateRunes(line, 160)
	}
	return ""
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocID != hits[j].DocID {
			return hits[i].DocID < hits[j].DocID
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
}
