// Package archive is the durable Tier 5 store.
//
// Archived paper trail content is kept in SQLite with zstd-compressed
// bodies and a contentless FTS5 index for search. Nothing in the archive
// counts against a session budget, and nothing is ever deleted: it is the
// guarantee that compression loses no information. The database also
// holds the compression audit log and the cross-session memory store.
package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HendryAvila/papertrail/internal/trail"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ErrNotFound is returned when an archived item does not exist.
var ErrNotFound = errors.New("archived item not found")

// ─── Types ───────────────────────────────────────────────────────────────────

// Item is one archived piece of paper trail content.
type Item struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	ItemID     string     `json:"item_id"`
	FromTier   trail.Tier `json:"from_tier"`
	Content    string     `json:"content"`
	Tokens     int        `json:"tokens"`
	TriggerID  string     `json:"trigger_id,omitempty"`
	CreatedAt  string     `json:"created_at"`
	ArchivedAt string     `json:"archived_at"`
}

// PutParams holds the input for archiving one item.
type PutParams struct {
	SessionID string
	Item      trail.Item
	TriggerID string
}

// SearchResult embeds an Item with its FTS5 rank.
type SearchResult struct {
	Item
	Rank float64 `json:"rank"`
}

// SearchOptions filters Search.
type SearchOptions struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Stats holds aggregate archive statistics.
type Stats struct {
	Items       int   `json:"items"`
	Sessions    int   `json:"sessions"`
	Tokens      int   `json:"tokens"`
	RawBytes    int64 `json:"raw_bytes"`
	StoredBytes int64 `json:"stored_bytes"`
	Triggers    int   `json:"triggers"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds archive configuration.
type Config struct {
	DataDir          string
	MaxSearchResults int
}

// DefaultConfig returns the default configuration for dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{DataDir: dataDir, MaxSearchResults: 20}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the archive backed by SQLite + FTS5.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New opens (creating if needed) the archive database in cfg.DataDir.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("archive: create data dir: %w", err)
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 20
	}

	dbPath := filepath.Join(cfg.DataDir, "archive.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("archive: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS archived_items (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT    NOT NULL UNIQUE,
			session_id  TEXT    NOT NULL,
			item_id     TEXT    NOT NULL,
			from_tier   INTEGER NOT NULL,
			tokens      INTEGER NOT NULL,
			encoding    TEXT    NOT NULL,
			raw_size    INTEGER NOT NULL,
			body        BLOB    NOT NULL,
			trigger_id  TEXT,
			created_at  TEXT    NOT NULL,
			archived_at TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_archived_session ON archived_items(session_id, seq DESC);
		CREATE INDEX IF NOT EXISTS idx_archived_item    ON archived_items(item_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS archived_fts USING fts5(
			content,
			content=''
		);

		CREATE TABLE IF NOT EXISTS compression_log (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			trigger_id     TEXT    NOT NULL UNIQUE,
			session_id     TEXT    NOT NULL,
			kind           TEXT    NOT NULL,
			source_tier    INTEGER NOT NULL,
			target_tier    INTEGER NOT NULL,
			forced         INTEGER NOT NULL DEFAULT 0,
			tokens_to_free INTEGER NOT NULL DEFAULT 0,
			tokens_freed   INTEGER NOT NULL DEFAULT 0,
			item_ids       TEXT    NOT NULL,
			archive_ids    TEXT    NOT NULL,
			summary_id     TEXT,
			reason         TEXT,
			budget_status  TEXT,
			created_at     TEXT    NOT NULL,
			applied_at     TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_log_session ON compression_log(session_id, seq DESC);

		CREATE TABLE IF NOT EXISTS memories (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			kind          TEXT    NOT NULL,
			id            TEXT    NOT NULL,
			content       TEXT    NOT NULL,
			metadata      TEXT    NOT NULL DEFAULT '{}',
			vector        BLOB    NOT NULL,
			access_count  INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT    NOT NULL,
			last_accessed TEXT    NOT NULL,
			UNIQUE(kind, id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ─── Items ───────────────────────────────────────────────────────────────────

// Put archives one item and indexes its content. The returned Item carries
// the new archive ID.
func (s *Store) Put(p PutParams) (*Item, error) {
	if p.SessionID == "" {
		return nil, errors.New("archive: put: session id is required")
	}
	body, enc := encode(p.Item.Content)
	it := &Item{
		ID:         uuid.NewString(),
		SessionID:  p.SessionID,
		ItemID:     p.Item.ID,
		FromTier:   p.Item.Tier,
		Content:    p.Item.Content,
		Tokens:     p.Item.Tokens,
		TriggerID:  p.TriggerID,
		CreatedAt:  formatTime(p.Item.CreatedAt),
		ArchivedAt: Now(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("archive: put: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO archived_items (id, session_id, item_id, from_tier, tokens, encoding, raw_size, body, trigger_id, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.SessionID, it.ItemID, int(it.FromTier), it.Tokens, enc, len(p.Item.Content), body,
		nullableString(it.TriggerID), it.CreatedAt, it.ArchivedAt)
	if err != nil {
		return nil, fmt.Errorf("archive: put: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("archive: put: last id: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO archived_fts(rowid, content) VALUES (?, ?)`, seq, p.Item.Content); err != nil {
		return nil, fmt.Errorf("archive: put: index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("archive: put: commit: %w", err)
	}
	return it, nil
}

const itemColumns = `id, session_id, item_id, from_tier, tokens, encoding, raw_size, body, ifnull(trigger_id, ''), created_at, archived_at`

// Get returns an archived item with its decompressed content.
func (s *Store) Get(id string) (*Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM archived_items WHERE id = ?`, id)
	it, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", id, err)
	}
	return it, nil
}

// ListSession returns a session's archived items, newest first.
func (s *Store) ListSession(sessionID string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+itemColumns+`
		FROM archived_items
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// Search runs a full-text query over archived content.
func (s *Store) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}

	ftsQuery := sanitizeFTS(query)
	if ftsQuery == "" {
		return nil, nil
	}

	sqlStr := `
		SELECT a.id, a.session_id, a.item_id, a.from_tier, a.tokens, a.encoding, a.raw_size, a.body,
		       ifnull(a.trigger_id, ''), a.created_at, a.archived_at, fts.rank
		FROM archived_fts fts
		JOIN archived_items a ON a.seq = fts.rowid
		WHERE archived_fts MATCH ?
	`
	args := []any{ftsQuery}
	if opts.SessionID != "" {
		sqlStr += " AND a.session_id = ?"
		args = append(args, opts.SessionID)
	}
	sqlStr += " ORDER BY fts.rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		it, err := scanItem(func(dest ...any) error {
			return rows.Scan(append(dest, &r.Rank)...)
		})
		if err != nil {
			return nil, err
		}
		r.Item = *it
		results = append(results, r)
	}
	return results, rows.Err()
}

// Stats returns aggregate statistics.
func (s *Store) Stats() (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT count(*), count(DISTINCT session_id), ifnull(sum(tokens), 0),
		       ifnull(sum(raw_size), 0), ifnull(sum(length(body)), 0)
		FROM archived_items
	`).Scan(&st.Items, &st.Sessions, &st.Tokens, &st.RawBytes, &st.StoredBytes)
	if err != nil {
		return nil, fmt.Errorf("archive: stats: %w", err)
	}
	if err := s.db.QueryRow(`SELECT count(*) FROM compression_log`).Scan(&st.Triggers); err != nil {
		return nil, fmt.Errorf("archive: stats: %w", err)
	}
	return &st, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func scanItem(scan func(dest ...any) error) (*Item, error) {
	var (
		it      Item
		tier    int
		enc     string
		rawSize int
		body    []byte
	)
	if err := scan(&it.ID, &it.SessionID, &it.ItemID, &tier, &it.Tokens, &enc, &rawSize, &body,
		&it.TriggerID, &it.CreatedAt, &it.ArchivedAt); err != nil {
		return nil, err
	}
	content, err := decode(body, enc, rawSize)
	if err != nil {
		return nil, fmt.Errorf("archive: item %s: %w", it.ID, err)
	}
	it.FromTier = trail.Tier(tier)
	it.Content = content
	return &it, nil
}

// sanitizeFTS wraps each word in quotes so FTS5 operators in user input are
// treated as literals.
func sanitizeFTS(query string) string {
	var words []string
	for _, w := range strings.Fields(query) {
		w = strings.ReplaceAll(w, `"`, "")
		if w != "" {
			words = append(words, `"`+w+`"`)
		}
	}
	return strings.Join(words, " ")
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return Now()
	}
	return t.UTC().Format(time.RFC3339)
}

// Now returns the current time formatted for storage.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
