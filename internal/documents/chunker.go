// Package documents splits large reference documents into structure-aware
// chunks and retrieves the chunks most relevant to a query under a token
// budget.
//
// Chunks are exact byte slices of the source: concatenating them in
// ordinal order reproduces the document.
package documents

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/HendryAvila/papertrail/internal/embedding"
)

// Defaults for the handling bands and chunk size, in tokens.
const (
	DefaultFullThreshold    = 4_000
	DefaultSummaryThreshold = 20_000
	DefaultChunkTarget      = 500
	DefaultMaxFileBytes     = 50 << 20
)

var (
	// ErrNotFound is returned for unknown documents, sections or chunks.
	ErrNotFound = errors.New("documents: not found")
	// ErrTooLarge is returned for files above the size limit.
	ErrTooLarge = errors.New("documents: file too large")
	// ErrMalformed is returned for content that is not UTF-8 text.
	ErrMalformed = errors.New("documents: not valid UTF-8 text")
)

// Handling is how much of a document enters the context up front.
type Handling string

const (
	HandlingFull       Handling = "full"
	HandlingSummarized Handling = "summarized"
	HandlingChunked    Handling = "chunked"
)

// Kind selects the chunking strategy.
type Kind string

const (
	KindMarkdown Kind = "markdown"
	KindCode     Kind = "code"
	KindText     Kind = "text"
)

// Counter counts tokens.
type Counter interface {
	Count(text string) int
}

// Document is raw input to Ingest.
type Document struct {
	ID   string
	Name string
	Path string
	Text string
	// Kind and Language are derived from Name when empty.
	Kind     Kind
	Language string
}

// Chunk is one contiguous slice of a document.
type Chunk struct {
	DocID   string           `json:"doc_id"`
	Ordinal int              `json:"ordinal"`
	Start   int              `json:"start"`
	End     int              `json:"end"`
	Section string           `json:"section,omitempty"`
	Content string           `json:"content"`
	Tokens  int              `json:"tokens"`
	Vector  embedding.Vector `json:"-"`
}

// Section is an entry in a document's section index. Its chunks are
// [StartChunk, StartChunk+Chunks).
type Section struct {
	Heading    string `json:"heading"`
	Level      int    `json:"level"`
	StartChunk int    `json:"start_chunk"`
	Chunks     int    `json:"chunks"`
	Tokens     int    `json:"tokens"`
}

// Ingested is a chunked document.
type Ingested struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path,omitempty"`
	Kind          Kind      `json:"kind"`
	Language      string    `json:"language,omitempty"`
	TotalTokens   int       `json:"total_tokens"`
	Handling      Handling  `json:"handling"`
	Summary       string    `json:"summary,omitempty"`
	SummaryTokens int       `json:"summary_tokens,omitempty"`
	Sections      []Section `json:"sections"`
	Chunks        []Chunk   `json:"chunks"`
}

// Text reassembles the document from its chunks.
func (d *Ingested) Text() string {
	var b strings.Builder
	for _, c := range d.Chunks {
		b.WriteString(c.Content)
	}
	return b.String()
}

// LoadedTokens is what the document costs in context before any
// retrieval: everything when full, the summary when summarized, nothing
// when chunked.
func (d *Ingested) LoadedTokens() int {
	switch d.Handling {
	case HandlingFull:
		return d.TotalTokens
	case HandlingSummarized:
		return d.SummaryTokens
	}
	return 0
}

// Options tune a Chunker. Zero fields take the defaults.
type Options struct {
	FullThreshold    int
	SummaryThreshold int
	ChunkTarget      int
}

// Chunker ingests documents.
type Chunker struct {
	counter Counter
	full    int
	summary int
	target  int
}

// NewChunker returns a chunker counting with counter.
func NewChunker(counter Counter, opts Options) *Chunker {
	c := &Chunker{
		counter: counter,
		full:    opts.FullThreshold,
		summary: opts.SummaryThreshold,
		target:  opts.ChunkTarget,
	}
	if c.full <= 0 {
		c.full = DefaultFullThreshold
	}
	if c.summary <= c.full {
		c.summary = max(DefaultSummaryThreshold, c.full)
	}
	if c.target <= 0 {
		c.target = DefaultChunkTarget
	}
	return c
}

// HandlingFor maps a token count to its handling band. Both bounds are
// inclusive.
func (c *Chunker) HandlingFor(tokens int) Handling {
	switch {
	case tokens <= c.full:
		return HandlingFull
	case tokens <= c.summary:
		return HandlingSummarized
	}
	return HandlingChunked
}

// Ingest chunks doc. Full documents become a single chunk; larger ones are
// split at structural boundaries into chunks of about the target size.
func (c *Chunker) Ingest(doc Document) (*Ingested, error) {
	if !utf8.ValidString(doc.Text) {
		return nil, fmt.Errorf("%s: %w", doc.Name, ErrMalformed)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Kind == "" {
		doc.Kind, doc.Language = Detect(doc.Name)
	}

	total := c.counter.Count(doc.Text)
	out := &Ingested{
		ID:          doc.ID,
		Name:        doc.Name,
		Path:        doc.Path,
		Kind:        doc.Kind,
		Language:    doc.Language,
		TotalTokens: total,
		Handling:    c.HandlingFor(total),
	}

	var units []unit
	if out.Handling == HandlingFull {
		units = []unit{{start: 0, end: len(doc.Text), section: -1}}
	} else {
		var headings []heading
		units, headings = c.structure(doc)
		out.Sections = make([]Section, len(headings))
		for i, h := range headings {
			out.Sections[i] = Section{Heading: h.text, Level: h.level, StartChunk: -1}
		}
	}

	for i, s := range c.pack(doc.Text, units, 0) {
		ch := Chunk{
			DocID:   doc.ID,
			Ordinal: i,
			Start:   s.start,
			End:     s.end,
			Content: doc.Text[s.start:s.end],
		}
		ch.Tokens = c.counter.Count(ch.Content)
		ch.Vector = embedding.Embed(ch.Content)
		if s.section >= 0 {
			sec := &out.Sections[s.section]
			ch.Section = sec.Heading
			if sec.StartChunk < 0 {
				sec.StartChunk = i
			}
			sec.Chunks++
			sec.Tokens += ch.Tokens
		} else if s.label != "" {
			ch.Section = s.label
		}
		out.Chunks = append(out.Chunks, ch)
	}

	out.Sections = finishSections(out.Sections, out.Chunks)
	if out.Handling != HandlingFull {
		out.Summary = c.summarize(out)
		out.SummaryTokens = c.counter.Count(out.Summary)
	}
	return out, nil
}

// finishSections drops headings that own no chunk and, for documents
// without headings, indexes each chunk as its own part.
func finishSections(secs []Section, chunks []Chunk) []Section {
	out := secs[:0]
	for _, s := range secs {
		if s.Chunks > 0 {
			out = append(out, s)
		}
	}
	if len(out) > 0 || len(chunks) <= 1 {
		return out
	}
	for _, ch := range chunks {
		name := ch.Section
		if name == "" {
			name = fmt.Sprintf("Part %d", ch.Ordinal+1)
		}
		out = append(out, Section{Heading: name, StartChunk: ch.Ordinal, Chunks: 1, Tokens: ch.Tokens})
	}
	return out
}

// ─── Packing ─────────────────────────────────────────────────────────────────

// maxDepth is the window level; windows are never split further.
const maxDepth = 3

// unit is an indivisible-if-possible run of text. A hard unit always
// starts a new chunk.
type unit struct {
	start, end int
	section    int
	label      string
	hard       bool
}

type span struct {
	start, end int
	section    int
	label      string
}

// pack groups consecutive units into spans of at most target tokens.
// Units larger than the target are split at progressively finer
// boundaries: paragraphs, then lines, then fixed windows.
func (c *Chunker) pack(text string, units []unit, depth int) []span {
	var out []span
	var cur span
	curTokens := 0
	open := false

	flush := func() {
		if open && cur.end > cur.start {
			out = append(out, cur)
		}
		open = false
		curTokens = 0
	}

	for _, u := range units {
		if u.end <= u.start {
			continue
		}
		tokens := c.counter.Count(text[u.start:u.end])
		if u.hard || (open && curTokens+tokens > c.target) {
			flush()
		}
		if tokens > c.target && depth < maxDepth {
			flush()
			out = append(out, c.pack(text, c.finer(text, u, depth), depth+1)...)
			continue
		}
		if !open {
			cur = span{start: u.start, end: u.start, section: u.section, label: u.label}
			open = true
		}
		cur.end = u.end
		curTokens += tokens
	}
	flush()
	return out
}

// finer splits an oversized unit one level further.
func (c *Chunker) finer(text string, u unit, depth int) []unit {
	var offsets []int
	switch depth {
	case 0:
		offsets = paragraphStarts(text, u.start, u.end)
	case 1:
		offsets = lineStarts(text, u.start, u.end)
	default:
		offsets = windowStarts(text, u.start, u.end, c.target*4)
	}
	out := make([]unit, 0, len(offsets)+1)
	prev := u.start
	for _, off := range append(offsets, u.end) {
		if off <= prev {
			continue
		}
		out = append(out, unit{start: prev, end: off, section: u.section, label: u.label})
		prev = off
	}
	if depth >= 2 {
		// One window per chunk.
		for i := range out {
			out[i].hard = true
		}
	}
	return out
}

// ─── Retrieval ───────────────────────────────────────────────────────────────

// Hit is a retrieved chunk.
type Hit struct {
	DocID   string  `json:"doc_id"`
	DocName string  `json:"doc_name,omitempty"`
	Ordinal int     `json:"ordinal"`
	Section string  `json:"section,omitempty"`
	Content string  `json:"content"`
	Tokens  int     `json:"tokens"`
	Score   float64 `json:"score"`
}

// Retrieve ranks doc's chunks by similarity to query (ties by ordinal),
// drops non-positive scores, and greedily keeps every chunk that still
// fits in budget. The total never exceeds budget.
func Retrieve(query string, doc *Ingested, budget int) []Hit {
	return rank(embedding.Embed(query), []*Ingested{doc}, budget, 0)
}

func rank(q embedding.Vector, docs []*Ingested, budget, topK int) []Hit {
	var hits []Hit
	for _, d := range docs {
		for _, ch := range d.Chunks {
			score := embedding.Cosine(q, ch.Vector)
			if score <= 0 {
				continue
			}
			hits = append(hits, Hit{
				DocID:   d.ID,
				DocName: d.Name,
				Ordinal: ch.Ordinal,
				Section: ch.Section,
				Content: ch.Content,
				Tokens:  ch.Tokens,
				Score:   score,
			})
		}
	}
	sortHits(hits)

	out := make([]Hit, 0, len(hits))
	used := 0
	for _, h := range hits {
		if topK > 0 && len(out) >= topK {
			break
		}
		if used+h.Tokens > budget {
			continue
		}
		used += h.Tokens
		out = append(out, h)
	}
	return out
}

// Detect derives the document kind and, for code, the language from a
// file name.
func Detect(name string) (Kind, string) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".md", ".markdown", ".mdx":
		return KindMarkdown, ""
	}
	if lang, ok := codeExtensions[ext]; ok {
		return KindCode, lang
	}
	return KindText, ""
}
