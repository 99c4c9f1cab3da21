package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/documents"
	"github.com/HendryAvila/papertrail/internal/tokens"
	"github.com/HendryAvila/papertrail/internal/vault"
	"github.com/HendryAvila/papertrail/internal/watcher"
)

// maxContextNotes bounds how many notes AssembleContext serves.
const maxContextNotes = 5

// Assembled is the context served for one query. Each part stays within
// the remaining ceiling of its pool and has been charged to it.
type Assembled struct {
	SessionID       string          `json:"session_id"`
	Query           string          `json:"query"`
	History         string          `json:"history,omitempty"`
	HistoryTokens   int             `json:"history_tokens"`
	Notes           []vault.Content `json:"notes"`
	NotesTokens     int             `json:"notes_tokens"`
	References      []documents.Hit `json:"references"`
	ReferenceTokens int             `json:"reference_tokens"`
	Blocked         bool            `json:"blocked,omitempty"`
	Advisory        string          `json:"advisory,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
	Budget          budget.Report   `json:"budget"`
}

// AssembleContext serves history, notes and reference chunks for query,
// each up to what its pool has left, and records the consumption. Items
// that cannot be read are reported in Errors; serving stops when the
// budget blocks further consumption.
func (e *Engine) AssembleContext(id, query string) (*Assembled, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	out := &Assembled{SessionID: id, Query: query, Notes: []vault.Content{}, References: []documents.Hit{}}

	charge := func(pool budget.Pool, n int) bool {
		if n <= 0 {
			return true
		}
		d := s.budget.RecordConsumption(pool, n)
		if d.Advisory != "" {
			out.Advisory = d.Advisory
		}
		if d.Blocked {
			out.Blocked = true
			out.Errors = append(out.Errors, d.Reason)
			return false
		}
		if !d.Accepted {
			out.Errors = append(out.Errors, d.Reason)
			return false
		}
		return true
	}

	defer func() {
		if err := e.saveRecord(s); err != nil {
			e.log.Warn("saving session after assembly", zap.String("session", id), zap.Error(err))
		}
		out.Budget = s.budget.Report()
	}()

	if left := s.budget.Remaining(budget.PoolHistory); left > 0 {
		if history, n := s.trail.Render(left); n > 0 {
			if !charge(budget.PoolHistory, n) {
				return out, nil
			}
			out.History, out.HistoryTokens = history, n
		}
	}

	if query == "" {
		return out, nil
	}

	if e.vault.Root() != "" {
		left := s.budget.Remaining(budget.PoolNotes)
		for _, r := range e.vault.Search(query, left, maxContextNotes) {
			c, err := e.vault.Content(r.Path, left)
			if err != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", r.Path, err))
				continue
			}
			if c.TokenCount == 0 || c.TokenCount > left {
				continue
			}
			out.Notes = append(out.Notes, c)
			out.NotesTokens += c.TokenCount
			left -= c.TokenCount
		}
		if !charge(budget.PoolNotes, out.NotesTokens) {
			out.Notes, out.NotesTokens = []vault.Content{}, 0
			return out, nil
		}
	}

	hits := e.docs.SearchAll(id, query, s.budget.Remaining(budget.PoolReference), 0)
	for _, h := range hits {
		out.ReferenceTokens += h.Tokens
	}
	if !charge(budget.PoolReference, out.ReferenceTokens) {
		out.ReferenceTokens = 0
		return out, nil
	}
	out.References = append(out.References, hits...)
	return out, nil
}

// ─── Tokens ──────────────────────────────────────────────────────────────────

// CountTokens returns the cached token count of text.
func (e *Engine) CountTokens(text string) int { return e.counter.Count(text) }

// EstimateTokens returns the chars/4 heuristic for text.
func (e *Engine) EstimateTokens(text string) int { return tokens.Estimate(text) }

// Counter exposes the shared token counter.
func (e *Engine) Counter() *tokens.Counter { return e.counter }

// ─── Vault ───────────────────────────────────────────────────────────────────

// RebuildVault re-indexes the vault. On failure the previous index stays
// in place.
func (e *Engine) RebuildVault(ctx context.Context) (vault.BuildStats, error) {
	stats, err := e.vault.Rebuild(ctx)
	if err != nil && !errors.Is(err, vault.ErrNotConfigured) {
		e.log.Warn("vault rebuild failed", zap.Error(err))
	}
	return stats, err
}

// VaultStats reports the last successful build.
func (e *Engine) VaultStats() vault.BuildStats { return e.vault.Stats() }

// SearchNotes ranks notes for query within maxTokens (0 means the working
// budget). It is read-only.
func (e *Engine) SearchNotes(query string, maxTokens, limit int) []vault.Result {
	if maxTokens <= 0 {
		maxTokens = e.cfg.WorkingBudget()
	}
	return e.vault.Search(query, maxTokens, limit)
}

// Note returns the note at path.
func (e *Engine) Note(path string) (vault.Note, error) {
	n, ok := e.vault.Note(path)
	if !ok {
		return vault.Note{}, fmt.Errorf("%w: %s", vault.ErrNotFound, path)
	}
	return n, nil
}

// NoteContent reads a note body fitted to maxTokens.
func (e *Engine) NoteContent(path string, maxTokens int) (vault.Content, error) {
	return e.vault.Content(path, maxTokens)
}

// NotesByTitle looks notes up by title or alias, exact matches first.
func (e *Engine) NotesByTitle(title string) []vault.Note { return e.vault.ByTitle(title) }

// NotesByTag returns the notes carrying tag.
func (e *Engine) NotesByTag(tag string) []vault.Note { return e.vault.ByTag(tag) }

// RelatedNotes walks links and backlinks from path up to depth hops.
func (e *Engine) RelatedNotes(path string, depth int) ([]vault.Note, error) {
	return e.vault.Related(path, depth)
}

// ResolveMention resolves an @mention to notes.
func (e *Engine) ResolveMention(mention string) []vault.Note { return e.vault.Resolve(mention) }

// ─── Documents ───────────────────────────────────────────────────────────────

// IngestParams describes a document to ingest. Exactly one of Path and
// Text is set.
type IngestParams struct {
	Path        string
	Name        string
	Text        string
	Persistence documents.Persistence
}

// IngestDocument chunks a document into the session's reference store.
func (e *Engine) IngestDocument(id string, p IngestParams) (documents.Reference, error) {
	if _, err := e.session(id); err != nil {
		return documents.Reference{}, err
	}
	switch {
	case p.Path != "" && p.Text != "":
		return documents.Reference{}, errors.New("engine: give a path or text, not both")
	case p.Path != "":
		return e.docs.IngestFile(id, p.Path, p.Persistence)
	case p.Text == "":
		return documents.Reference{}, errors.New("engine: document is empty")
	}
	name := p.Name
	if name == "" {
		name = "inline.txt"
	}
	return e.docs.Ingest(id, documents.Document{Name: name, Text: p.Text}, p.Persistence)
}

// Documents lists the session's documents.
func (e *Engine) Documents(id string) ([]documents.Reference, error) {
	if _, err := e.session(id); err != nil {
		return nil, err
	}
	return e.docs.List(id), nil
}

// RetrieveDocument ranks chunks of one document, or of every document of
// the session when docID is empty, within maxTokens.
func (e *Engine) RetrieveDocument(id, docID, query string, maxTokens, topK int) ([]documents.Hit, error) {
	if _, err := e.session(id); err != nil {
		return nil, err
	}
	if docID == "" {
		return e.docs.SearchAll(id, query, maxTokens, topK), nil
	}
	return e.docs.Retrieve(id, docID, query, maxTokens, topK)
}

// DocumentSection returns one section of a document.
func (e *Engine) DocumentSection(id, docID, name string) (documents.Section, string, error) {
	if _, err := e.session(id); err != nil {
		return documents.Section{}, "", err
	}
	return e.docs.Section(id, docID, name)
}

// RemoveDocument deletes a document from the session.
func (e *Engine) RemoveDocument(id, docID string) error {
	if _, err := e.session(id); err != nil {
		return err
	}
	return e.docs.Remove(id, docID)
}

// ReleaseSession closes a session: ephemeral and cached documents are
// dropped, tiers 1 and 2 are distilled into memories and the record is
// saved. The paper trail stays on disk.
func (e *Engine) ReleaseSession(id string) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.live, id)
	w := e.watch
	e.mu.Unlock()
	if w != nil {
		w.Remove(watcher.KindSession, id)
	}
	n := e.docs.Release(id)
	if _, err := e.rememberSession(s); err != nil {
		e.log.Warn("distilling session into memory", zap.String("session", id), zap.Error(err))
	}
	e.log.Info("session released", zap.String("session", id), zap.Int("documents_dropped", n))
	return e.saveRecord(s)
}
