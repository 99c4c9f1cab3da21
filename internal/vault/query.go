package vault

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/HendryAvila/papertrail/internal/embedding"
	"github.com/HendryAvila/papertrail/internal/fsutil"
)

// Match types reported by Search.
const (
	MatchExactTitle   = "exact_title"
	MatchPartialTitle = "partial_title"
	MatchTag          = "tag"
	MatchContent      = "content"
	MatchSemantic     = "semantic"
)

// minSemantic is the lowest cosine similarity Search accepts.
const minSemantic = 0.15

// maxRelatedDepth bounds graph walks in Related.
const maxRelatedDepth = 3

// Result is one ranked search hit.
type Result struct {
	Path       string  `json:"path"`
	Title      string  `json:"title"`
	Relevance  float64 `json:"relevance"`
	TokenCount int     `json:"tokenCount"`
	MatchType  string  `json:"matchType"`
	Summary    string  `json:"summary,omitempty"`
}

// Content is a note body fitted to a token budget.
type Content struct {
	Path       string `json:"path"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	Truncated  bool   `json:"truncated"`
}

// Note returns the note at path.
func (ix *Index) Note(p string) (Note, bool) {
	s := ix.current()
	n, ok := s.notes[cleanRel(p)]
	if !ok {
		return Note{}, false
	}
	return n.clone(), true
}

// Notes returns every note, sorted by path.
func (ix *Index) Notes() []Note {
	s := ix.current()
	out := make([]Note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ByTitle returns the note whose title or alias equals title, or else every
// note whose title contains it.
func (ix *Index) ByTitle(title string) []Note {
	s := ix.current()
	lower := strings.ToLower(strings.TrimSpace(title))
	if lower == "" {
		return nil
	}
	if p, ok := s.titles[lower]; ok {
		return []Note{s.notes[p].clone()}
	}
	if p, ok := s.aliases[lower]; ok {
		return []Note{s.notes[p].clone()}
	}
	var out []Note
	for _, n := range s.notes {
		if strings.Contains(strings.ToLower(n.Title), lower) {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ByTag returns the set of notes carrying tag. A leading '#' is optional.
func (ix *Index) ByTag(tag string) []Note {
	s := ix.current()
	paths := s.tags[normalizeTag(tag)]
	out := make([]Note, 0, len(paths))
	for _, p := range paths {
		out = append(out, s.notes[p].clone())
	}
	return out
}

// Search ranks notes against query: exact title 1.0, partial title 0.8,
// tag 0.7, then term overlap with title and summary, then embedding
// similarity. Hits are taken in rank order while their combined token
// count stays within budget (0 means unlimited), up to limit results.
func (ix *Index) Search(query string, budget, limit int) []Result {
	s := ix.current()
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Result{}
	}
	terms := strings.Fields(q)
	qv := embedding.Embed(q)

	var hits []Result
	for _, n := range s.notes {
		title := strings.ToLower(n.Title)
		r := Result{Path: n.Path, Title: n.Title, TokenCount: n.TokenCount, Summary: n.Summary}
		switch {
		case title == q || containsFold(n.Aliases, q):
			r.Relevance, r.MatchType = 1.0, MatchExactTitle
		case strings.Contains(title, q):
			r.Relevance, r.MatchType = 0.8, MatchPartialTitle
		case slices.ContainsFunc(n.Tags, func(t string) bool { return strings.Contains(t, strings.TrimPrefix(q, "#")) }):
			r.Relevance, r.MatchType = 0.7, MatchTag
		default:
			summary := strings.ToLower(n.Summary)
			var inTitle, inSummary int
			for _, t := range terms {
				if strings.Contains(title, t) {
					inTitle++
				}
				if strings.Contains(summary, t) {
					inSummary++
				}
			}
			if inTitle+inSummary > 0 {
				r.Relevance = (float64(inTitle)*0.3 + float64(inSummary)*0.1) / float64(len(terms))
				r.MatchType = MatchContent
			} else if sim := embedding.Cosine(qv, n.Vector); sim >= minSemantic {
				// Scaled below every lexical tier.
				r.Relevance = sim * 0.1
				r.MatchType = MatchSemantic
			}
		}
		if r.Relevance > 0 {
			hits = append(hits, r)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Relevance != hits[j].Relevance {
			return hits[i].Relevance > hits[j].Relevance
		}
		return hits[i].Path < hits[j].Path
	})

	out := make([]Result, 0, len(hits))
	used := 0
	for _, h := range hits {
		if limit > 0 && len(out) >= limit {
			break
		}
		if budget > 0 && used+h.TokenCount > budget {
			continue
		}
		used += h.TokenCount
		out = append(out, h)
	}
	return out
}

// Related walks links and backlinks out to depth hops (1 to 3) and
// returns the notes reached, nearest first.
func (ix *Index) Related(p string, depth int) ([]Note, error) {
	s := ix.current()
	start, ok := s.notes[cleanRel(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	depth = min(max(depth, 1), maxRelatedDepth)

	visited := map[string]bool{start.Path: true}
	frontier := []string{start.Path}
	var out []Note
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			n := s.notes[cur]
			neighbours := slices.Clone(n.Backlinks)
			for _, l := range n.Links {
				if l.Resolved != "" {
					neighbours = append(neighbours, l.Resolved)
				}
			}
			slices.Sort(neighbours)
			for _, nb := range slices.Compact(neighbours) {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				out = append(out, s.notes[nb].clone())
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return out, nil
}

// Content reads a note and truncates it to maxTokens (0 means no limit).
// The path must be an indexed note and must still resolve inside the
// vault.
func (ix *Index) Content(p string, maxTokens int) (Content, error) {
	s := ix.current()
	n, ok := s.notes[cleanRel(p)]
	if !ok {
		return Content{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	real, err := fsutil.Contain(s.root, filepath.FromSlash(n.Path))
	switch {
	case errors.Is(err, fsutil.ErrOutsideRoot):
		return Content{}, fmt.Errorf("%w: %s", ErrPathEscape, p)
	case os.IsNotExist(err):
		return Content{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	case err != nil:
		return Content{}, fmt.Errorf("vault: resolving %s: %w", n.Path, err)
	}
	f, err := os.Open(real)
	if err != nil {
		return Content{}, fmt.Errorf("vault: reading %s: %w", n.Path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Content{}, fmt.Errorf("vault: reading %s: %w", n.Path, err)
	}

	body := string(data)
	total := ix.counter.Count(body)
	out := Content{Path: n.Path, Title: n.Title, Content: body, TokenCount: total}
	if maxTokens <= 0 || total <= maxTokens {
		return out, nil
	}

	cut := min(len(body), maxTokens*4)
	for cut > 0 && ix.counter.Count(body[:runeBoundary(body, cut)]) > maxTokens {
		cut = cut * 9 / 10
	}
	prefix := body[:runeBoundary(body, cut)]
	kept := ix.counter.Count(prefix)
	out.Content = fmt.Sprintf("%s...\n\n[TRUNCATED: %d tokens remaining]", prefix, total-kept)
	out.TokenCount = kept
	out.Truncated = true
	return out, nil
}

// Resolve interprets an @-mention: "@#tag" returns the tagged notes,
// "@dir/note" a path, anything else a title (exact, then partial).
func (ix *Index) Resolve(mention string) []Note {
	q := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(mention), "@"))
	if q == "" {
		return nil
	}
	if strings.HasPrefix(q, "#") {
		return ix.ByTag(q)
	}
	if strings.Contains(q, "/") || strings.HasSuffix(strings.ToLower(q), ".md") {
		p := q
		if !strings.HasSuffix(strings.ToLower(p), ".md") {
			p += ".md"
		}
		if n, ok := ix.Note(p); ok {
			return []Note{n}
		}
		if n, ok := ix.Note(strings.TrimPrefix(p, "notes/")); ok {
			return []Note{n}
		}
	}
	return ix.ByTitle(q)
}

// Stats returns the statistics of the last completed build.
func (ix *Index) Stats() BuildStats {
	return cloneStats(ix.current().stats)
}

func cleanRel(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

func runeBoundary(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
