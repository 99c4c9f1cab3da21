package documents

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HendryAvila/papertrail/internal/embedding"
	"github.com/HendryAvila/papertrail/internal/fsutil"
)

// Persistence controls a document's lifetime.
type Persistence string

const (
	// Ephemeral documents live in memory and are dropped by ClearEphemeral.
	Ephemeral Persistence = "ephemeral"
	// Cached documents are written to disk and survive restarts until the
	// session is released.
	Cached Persistence = "cached"
	// Permanent documents stay on disk until removed.
	Permanent Persistence = "permanent"
)

// ParsePersistence validates a persistence name. Empty means Ephemeral.
func ParsePersistence(s string) (Persistence, error) {
	switch p := Persistence(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Ephemeral, nil
	case Ephemeral, Cached, Permanent:
		return p, nil
	}
	return "", fmt.Errorf("documents: unknown persistence %q", s)
}

// Reference summarises a stored document.
type Reference struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Path         string      `json:"path,omitempty"`
	Kind         Kind        `json:"kind"`
	TotalTokens  int         `json:"total_tokens"`
	LoadedTokens int         `json:"loaded_tokens"`
	Handling     Handling    `json:"handling"`
	Persistence  Persistence `json:"persistence"`
	Chunks       int         `json:"chunks"`
	Sections     []Section   `json:"sections,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	AddedAt      time.Time   `json:"added_at"`
}

type stored struct {
	Doc         *Ingested   `json:"doc"`
	Persistence Persistence `json:"persistence"`
	AddedAt     time.Time   `json:"added_at"`
}

func (s *stored) reference() Reference {
	return Reference{
		ID:           s.Doc.ID,
		Name:         s.Doc.Name,
		Path:         s.Doc.Path,
		Kind:         s.Doc.Kind,
		TotalTokens:  s.Doc.TotalTokens,
		LoadedTokens: s.Doc.LoadedTokens(),
		Handling:     s.Doc.Handling,
		Persistence:  s.Persistence,
		Chunks:       len(s.Doc.Chunks),
		Sections:     s.Doc.Sections,
		Summary:      s.Doc.Summary,
		AddedAt:      s.AddedAt,
	}
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Root holds persisted documents as <root>/<session>/documents/<id>.json.
	// Empty keeps everything in memory.
	Root         string
	MaxFileBytes int64
	Chunker      *Chunker
	Logger       *zap.Logger
}

// Store holds the reference documents of every session. Ingestion happens
// outside the lock; the finished document is swapped in under it.
type Store struct {
	root    string
	maxSize int64
	chunker *Chunker
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*stored
}

// NewStore returns an empty store.
func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		root:     cfg.Root,
		maxSize:  cfg.MaxFileBytes,
		chunker:  cfg.Chunker,
		log:      cfg.Logger,
		sessions: make(map[string]map[string]*stored),
	}
	if s.maxSize <= 0 {
		s.maxSize = DefaultMaxFileBytes
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Chunker returns the store's chunker.
func (s *Store) Chunker() *Chunker { return s.chunker }

func (s *Store) docDir(session string) string {
	return filepath.Join(s.root, session, "documents")
}

// Ingest chunks doc and stores it for session.
func (s *Store) Ingest(session string, doc Document, p Persistence) (Reference, error) {
	ing, err := s.chunker.Ingest(doc)
	if err != nil {
		return Reference{}, err
	}
	st := &stored{Doc: ing, Persistence: p, AddedAt: time.Now().UTC()}
	if p != Ephemeral && s.root != "" {
		if err := s.persist(session, st); err != nil {
			return Reference{}, err
		}
	}

	s.mu.Lock()
	docs := s.sessions[session]
	if docs == nil {
		docs = make(map[string]*stored)
		s.sessions[session] = docs
	}
	docs[ing.ID] = st
	s.mu.Unlock()

	s.log.Info("document ingested",
		zap.String("session", session),
		zap.String("doc", ing.ID),
		zap.String("name", ing.Name),
		zap.String("handling", string(ing.Handling)),
		zap.Int("tokens", ing.TotalTokens),
		zap.Int("chunks", len(ing.Chunks)))
	return st.reference(), nil
}

// IngestFile reads path and ingests it. Files above the size limit are
// rejected before they are read.
func (s *Store) IngestFile(session, path string, p Persistence) (Reference, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Reference{}, fmt.Errorf("documents: %w", err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return Reference{}, fmt.Errorf("documents: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Reference{}, fmt.Errorf("documents: %w", err)
	}
	if info.IsDir() {
		return Reference{}, fmt.Errorf("documents: %s is a directory", abs)
	}
	if info.Size() > s.maxSize {
		return Reference{}, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrTooLarge, abs, info.Size(), s.maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(f, s.maxSize+1))
	if err != nil {
		return Reference{}, fmt.Errorf("documents: reading %s: %w", abs, err)
	}
	return s.Ingest(session, Document{Name: filepath.Base(abs), Path: abs, Text: string(data)}, p)
}

func (s *Store) lookup(session, id string) (*stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[session][id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return st, nil
}

// Get returns a stored document.
func (s *Store) Get(session, id string) (*Ingested, error) {
	st, err := s.lookup(session, id)
	if err != nil {
		return nil, err
	}
	return st.Doc, nil
}

// List returns the session's documents, oldest first.
func (s *Store) List(session string) []Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reference, 0, len(s.sessions[session]))
	for _, st := range s.sessions[session] {
		out = append(out, st.reference())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove deletes a document and its persisted copy.
func (s *Store) Remove(session, id string) error {
	s.mu.Lock()
	st, ok := s.sessions[session][id]
	if ok {
		delete(s.sessions[session], id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if st.Persistence != Ephemeral && s.root != "" {
		if err := os.Remove(filepath.Join(s.docDir(session), id+".json")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("documents: removing %s: %w", id, err)
		}
	}
	return nil
}

// Chunk returns one chunk of a document.
func (s *Store) Chunk(session, id string, ordinal int) (Chunk, error) {
	st, err := s.lookup(session, id)
	if err != nil {
		return Chunk{}, err
	}
	if ordinal < 0 || ordinal >= len(st.Doc.Chunks) {
		return Chunk{}, fmt.Errorf("%w: chunk %d of %s", ErrNotFound, ordinal, id)
	}
	return st.Doc.Chunks[ordinal], nil
}

// Section returns the text of the section whose heading matches name
// (case-insensitive).
func (s *Store) Section(session, id, name string) (Section, string, error) {
	st, err := s.lookup(session, id)
	if err != nil {
		return Section{}, "", err
	}
	for _, sec := range st.Doc.Sections {
		if !strings.EqualFold(sec.Heading, strings.TrimSpace(name)) {
			continue
		}
		var b strings.Builder
		for _, ch := range st.Doc.Chunks[sec.StartChunk : sec.StartChunk+sec.Chunks] {
			b.WriteString(ch.Content)
		}
		return sec, b.String(), nil
	}
	return Section{}, "", fmt.Errorf("%w: section %q of %s", ErrNotFound, name, id)
}

// Retrieve returns the chunks of one document most relevant to query
// within budget, at most topK of them (0 means no limit).
func (s *Store) Retrieve(session, id, query string, budget, topK int) ([]Hit, error) {
	st, err := s.lookup(session, id)
	if err != nil {
		return nil, err
	}
	return rank(embedding.Embed(query), []*Ingested{st.Doc}, budget, topK), nil
}

// SearchAll ranks chunks across all of session's documents.
func (s *Store) SearchAll(session, query string, budget, topK int) []Hit {
	s.mu.RLock()
	docs := make([]*Ingested, 0, len(s.sessions[session]))
	for _, st := range s.sessions[session] {
		docs = append(docs, st.Doc)
	}
	s.mu.RUnlock()
	return rank(embedding.Embed(query), docs, budget, topK)
}

// ClearEphemeral drops the session's ephemeral documents and returns how
// many were removed.
func (s *Store) ClearEphemeral(session string) int {
	return s.drop(session, func(p Persistence) bool { return p == Ephemeral })
}

// Release drops everything but permanent documents, deleting cached
// copies from disk. Permanent documents are reloaded by Load.
func (s *Store) Release(session string) int {
	n := s.drop(session, func(p Persistence) bool { return p != Permanent })
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
	return n
}

func (s *Store) drop(session string, match func(Persistence) bool) int {
	s.mu.Lock()
	var removed []*stored
	for id, st := range s.sessions[session] {
		if match(st.Persistence) {
			removed = append(removed, st)
			delete(s.sessions[session], id)
		}
	}
	s.mu.Unlock()

	for _, st := range removed {
		if st.Persistence == Cached && s.root != "" {
			path := filepath.Join(s.docDir(session), st.Doc.ID+".json")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.log.Warn("removing cached document", zap.String("path", path), zap.Error(err))
			}
		}
	}
	return len(removed)
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func (s *Store) persist(session string, st *stored) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("documents: marshaling %s: %w", st.Doc.ID, err)
	}
	path := filepath.Join(s.docDir(session), st.Doc.ID+".json")
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("documents: saving %s: %w", path, err)
	}
	return nil
}

// Load restores the session's persisted documents. Unreadable files are
// skipped and logged.
func (s *Store) Load(session string) (int, error) {
	if s.root == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.docDir(session))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("documents: listing %s: %w", s.docDir(session), err)
	}

	loaded := make(map[string]*stored)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.docDir(session), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("skipping document", zap.String("path", path), zap.Error(err))
			continue
		}
		var st stored
		if err := json.Unmarshal(data, &st); err != nil || st.Doc == nil {
			s.log.Warn("skipping malformed document", zap.String("path", path), zap.Error(err))
			continue
		}
		for i := range st.Doc.Chunks {
			st.Doc.Chunks[i].Vector = embedding.Embed(st.Doc.Chunks[i].Content)
		}
		loaded[st.Doc.ID] = &st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.sessions[session]
	if docs == nil {
		docs = make(map[string]*stored)
		s.sessions[session] = docs
	}
	for id, st := range loaded {
		docs[id] = st
	}
	return len(loaded), nil
}
