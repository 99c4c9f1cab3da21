package vault

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/HendryAvila/papertrail/internal/embedding"
)

// summaryLimit caps the summary length in bytes.
const summaryLimit = 200

// Link is one outbound reference from a note.
type Link struct {
	Raw      string `json:"raw"`
	Target   string `json:"target"`
	Heading  string `json:"heading,omitempty"`
	Alias    string `json:"alias,omitempty"`
	Resolved string `json:"resolved,omitempty"`
	Via      string `json:"via,omitempty"`
}

// Dangling reports whether the link points at no note in the vault.
func (l Link) Dangling() bool { return l.Resolved == "" }

// Note is the indexed view of one markdown file. Path is relative to the
// vault root and uses forward slashes.
type Note struct {
	Path       string           `json:"path"`
	Title      string           `json:"title"`
	Aliases    []string         `json:"aliases,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Summary    string           `json:"summary"`
	Links      []Link           `json:"links,omitempty"`
	Backlinks  []string         `json:"backlinks,omitempty"`
	TokenCount int              `json:"token_count"`
	Modified   time.Time        `json:"modified"`
	Checksum   string           `json:"checksum"`
	Vector     embedding.Vector `json:"-"`
}

func (n *Note) clone() Note {
	c := *n
	c.Aliases = slices.Clone(n.Aliases)
	c.Tags = slices.Clone(n.Tags)
	c.Links = slices.Clone(n.Links)
	c.Backlinks = slices.Clone(n.Backlinks)
	return c
}

// frontmatter is the subset of YAML frontmatter the index understands.
type frontmatter struct {
	Title   string     `yaml:"title"`
	Tags    stringList `yaml:"tags"`
	Aliases stringList `yaml:"aliases"`
}

// stringList accepts either a YAML sequence or a comma separated scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		for _, part := range strings.Split(node.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*l = append(*l, part)
			}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = append(*l, items...)
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", node.Line)
}

var (
	md = goldmark.New()

	wikiLink  = regexp.MustCompile(`!?\[\[([^\[\]\n]+?)\]\]`)
	inlineTag = regexp.MustCompile(`(?:^|[\s(,])#([\p{L}\p{N}_/-]+)`)
	onlyDigit = regexp.MustCompile(`^[0-9]+$`)
)

// splitFrontmatter separates a leading `---` YAML block from the body.
func splitFrontmatter(src []byte) (meta, body []byte) {
	if !bytes.HasPrefix(src, []byte("---\n")) && !bytes.HasPrefix(src, []byte("---\r\n")) {
		return nil, src
	}
	rest := src[bytes.IndexByte(src, '\n')+1:]
	for off := 0; off < len(rest); {
		end := bytes.IndexByte(rest[off:], '\n')
		line := rest[off:]
		if end >= 0 {
			line = rest[off : off+end]
		}
		if t := bytes.TrimRight(line, "\r"); bytes.Equal(t, []byte("---")) || bytes.Equal(t, []byte("...")) {
			if end < 0 {
				return rest[:off], nil
			}
			return rest[:off], rest[off+end+1:]
		}
		if end < 0 {
			break
		}
		off += end + 1
	}
	// Unterminated: treat the whole file as body.
	return nil, src
}

// parseNote runs the forward scan for one file. rel is the vault-relative
// slash path.
func parseNote(rel string, src []byte, modified time.Time, count func(string) int) (*Note, error) {
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("not valid UTF-8")
	}
	meta, body := splitFrontmatter(src)
	var fm frontmatter
	if len(meta) > 0 {
		if err := yaml.Unmarshal(meta, &fm); err != nil {
			return nil, fmt.Errorf("frontmatter: %w", err)
		}
	}

	sum := blake3.Sum256(src)
	n := &Note{
		Path:       rel,
		Title:      strings.TrimSuffix(path.Base(rel), path.Ext(rel)),
		TokenCount: count(string(src)),
		Modified:   modified.UTC(),
		Checksum:   hex.EncodeToString(sum[:16]),
	}
	n.Aliases = appendUnique(n.Aliases, n.Title, fm.Title)
	n.Aliases = appendUnique(n.Aliases, n.Title, fm.Aliases...)
	for _, t := range fm.Tags {
		n.Tags = appendUnique(n.Tags, "", normalizeTag(t))
	}

	doc := md.Parser().Parse(text.NewReader(body))
	var prose bytes.Buffer
	err := ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := node.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.CodeSpan:
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			raw := blockText(node, body)
			if n.Summary == "" && node.Parent() == doc {
				n.Summary = truncate(strings.Join(strings.Fields(raw), " "), summaryLimit)
			}
			prose.WriteString(raw)
			prose.WriteByte('\n')
		case *ast.Heading, *ast.TextBlock:
			prose.WriteString(blockText(node, body))
			prose.WriteByte('\n')
		case *ast.Link:
			if l, ok := markdownLink(rel, string(node.Destination)); ok {
				n.Links = append(n.Links, l)
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	scan := prose.String()
	for _, m := range wikiLink.FindAllStringSubmatch(scan, -1) {
		if l, ok := parseWikiLink(m[0], m[1]); ok {
			n.Links = append(n.Links, l)
		}
	}
	for _, m := range inlineTag.FindAllStringSubmatch(scan, -1) {
		if tag := normalizeTag(m[1]); tag != "" && !onlyDigit.MatchString(tag) {
			n.Tags = appendUnique(n.Tags, "", tag)
		}
	}
	slices.Sort(n.Tags)

	n.Vector = embedding.Embed(n.Title + " " + strings.Join(n.Aliases, " ") + " " +
		strings.Join(n.Tags, " ") + " " + n.Summary)
	return n, nil
}

// blockText returns the raw source lines of a block node.
func blockText(node ast.Node, source []byte) string {
	lines := node.Lines()
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}

// parseWikiLink splits `target#heading|alias`.
func parseWikiLink(raw, inner string) (Link, bool) {
	l := Link{Raw: raw}
	target := inner
	if i := strings.IndexByte(target, '|'); i >= 0 {
		l.Alias = strings.TrimSpace(target[i+1:])
		target = target[:i]
	}
	if i := strings.IndexByte(target, '#'); i >= 0 {
		l.Heading = strings.TrimSpace(target[i+1:])
		target = target[:i]
	}
	l.Target = strings.TrimSpace(target)
	// Embedded attachments are not notes.
	if ext := path.Ext(l.Target); strings.HasPrefix(raw, "!") && ext != "" && !strings.EqualFold(ext, ".md") {
		return Link{}, false
	}
	return l, l.Target != ""
}

// markdownLink turns a relative `.md` destination into a link whose target
// is already a vault path.
func markdownLink(from, dest string) (Link, bool) {
	if dest == "" || strings.HasPrefix(dest, "#") || strings.Contains(dest, "://") || strings.HasPrefix(dest, "mailto:") {
		return Link{}, false
	}
	l := Link{Raw: dest}
	if i := strings.IndexByte(dest, '#'); i >= 0 {
		l.Heading = dest[i+1:]
		dest = dest[:i]
	}
	if unescaped, err := url.PathUnescape(dest); err == nil {
		dest = unescaped
	}
	if !strings.EqualFold(path.Ext(dest), ".md") {
		return Link{}, false
	}
	if strings.HasPrefix(dest, "/") {
		l.Target = path.Clean(strings.TrimPrefix(dest, "/"))
	} else {
		l.Target = path.Join(path.Dir(from), dest)
	}
	return l, true
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimPrefix(strings.TrimSpace(tag), "#"), "/-_"))
}

// normalizeTitle folds case and separators so "Project-Plan" and
// "project plan" compare equal.
func normalizeTitle(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func appendUnique(list []string, skip string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || v == skip || slices.Contains(list, v) {
			continue
		}
		list = append(list, v)
	}
	return list
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
