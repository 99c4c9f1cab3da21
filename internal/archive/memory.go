package archive

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/HendryAvila/papertrail/internal/embedding"
)

// MemoryKind partitions the cross-session memory store.
type MemoryKind string

const (
	// MemorySemantic holds facts, preferences and conclusions.
	MemorySemantic MemoryKind = "semantic"
	// MemoryProcedural holds strategies and decisions that worked.
	MemoryProcedural MemoryKind = "procedural"
	// MemoryEpisodic holds past results, plans and open threads.
	MemoryEpisodic MemoryKind = "episodic"
)

// MemoryKinds lists every kind in display order.
var MemoryKinds = []MemoryKind{MemorySemantic, MemoryProcedural, MemoryEpisodic}

// ErrInvalidMemoryKind is returned for an unknown memory kind.
var ErrInvalidMemoryKind = errors.New("invalid memory kind")

// ParseMemoryKind validates s.
func ParseMemoryKind(s string) (MemoryKind, error) {
	k := MemoryKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range MemoryKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMemoryKind, s)
}

// Memory is one entry of the cross-session memory store.
type Memory struct {
	ID           string            `json:"id"`
	Kind         MemoryKind        `json:"kind"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AccessCount  int               `json:"access_count"`
	CreatedAt    string            `json:"created_at"`
	LastAccessed string            `json:"last_accessed"`
	Relevance    float64           `json:"relevance,omitempty"`
}

// MemoryParams holds the input for writing one memory.
type MemoryParams struct {
	Kind     MemoryKind
	ID       string // generated when empty
	Content  string
	Metadata map[string]string
}

// MemoryStats counts memories per kind.
type MemoryStats struct {
	Semantic   int `json:"semantic"`
	Procedural int `json:"procedural"`
	Episodic   int `json:"episodic"`
	Total      int `json:"total"`
}

// ─── Memories ────────────────────────────────────────────────────────────────

// WriteMemory inserts or replaces a memory. Rewriting an existing ID keeps
// its creation time and access count.
func (s *Store) WriteMemory(p MemoryParams) (*Memory, error) {
	if _, err := ParseMemoryKind(string(p.Kind)); err != nil {
		return nil, fmt.Errorf("archive: write memory: %w", err)
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, errors.New("archive: write memory: content is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	meta, err := json.Marshal(nonNilMeta(p.Metadata))
	if err != nil {
		return nil, fmt.Errorf("archive: write memory: metadata: %w", err)
	}

	now := Now()
	_, err = s.db.Exec(`
		INSERT INTO memories (kind, id, content, metadata, vector, access_count, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			content       = excluded.content,
			metadata      = excluded.metadata,
			vector        = excluded.vector,
			last_accessed = excluded.last_accessed
	`, string(p.Kind), p.ID, p.Content, string(meta), encodeVector(embedding.Embed(p.Content)), now, now)
	if err != nil {
		return nil, fmt.Errorf("archive: write memory: %w", err)
	}
	return s.memory(p.Kind, p.ID)
}

const memoryColumns = `id, kind, content, metadata, access_count, created_at, last_accessed`

func (s *Store) memory(kind MemoryKind, id string) (*Memory, error) {
	row := s.db.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE kind = ? AND id = ?`, string(kind), id)
	m, err := scanMemory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive: memory %s/%s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: memory %s/%s: %w", kind, id, err)
	}
	return m, nil
}

// ReadMemories returns up to limit memories of kind ranked by similarity
// to query, most relevant first. Memories with no similarity are left out.
// Every returned memory has its access count incremented.
func (s *Store) ReadMemories(kind MemoryKind, query string, limit int) ([]Memory, error) {
	if _, err := ParseMemoryKind(string(kind)); err != nil {
		return nil, fmt.Errorf("archive: read memories: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}
	q := embedding.Embed(query)
	if q.IsZero() {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT `+memoryColumns+`, vector FROM memories WHERE kind = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("archive: read memories: %w", err)
	}
	var ranked []Memory
	for rows.Next() {
		var vec []byte
		m, err := scanMemory(func(dest ...any) error {
			return rows.Scan(append(dest, &vec)...)
		})
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		if score := embedding.Cosine(q, decodeVector(vec)); score > 0 {
			m.Relevance = score
			ranked = append(ranked, *m)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: read memories: %w", err)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Relevance > ranked[j].Relevance })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	if err := s.touchMemories(kind, ranked); err != nil {
		return nil, err
	}
	return ranked, nil
}

func (s *Store) touchMemories(kind MemoryKind, ms []Memory) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("archive: touch memories: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := Now()
	for i := range ms {
		if _, err := tx.Exec(`
			UPDATE memories SET access_count = access_count + 1, last_accessed = ?
			WHERE kind = ? AND id = ?
		`, now, string(kind), ms[i].ID); err != nil {
			return fmt.Errorf("archive: touch memory %s: %w", ms[i].ID, err)
		}
		ms[i].AccessCount++
		ms[i].LastAccessed = now
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: touch memories: commit: %w", err)
	}
	return nil
}

// ListMemories returns memories newest first. An empty kind lists every
// kind; a limit <= 0 lists everything.
func (s *Store) ListMemories(kind MemoryKind, limit int) ([]Memory, error) {
	sqlStr := `SELECT ` + memoryColumns + ` FROM memories`
	var args []any
	if kind != "" {
		if _, err := ParseMemoryKind(string(kind)); err != nil {
			return nil, fmt.Errorf("archive: list memories: %w", err)
		}
		sqlStr += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	if limit <= 0 {
		limit = -1
	}
	sqlStr += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DeleteMemory removes one memory.
func (s *Store) DeleteMemory(kind MemoryKind, id string) error {
	res, err := s.db.Exec(`DELETE FROM memories WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("archive: delete memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("archive: memory %s/%s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// ClearMemories removes every memory of kind and returns how many went.
func (s *Store) ClearMemories(kind MemoryKind) (int, error) {
	if _, err := ParseMemoryKind(string(kind)); err != nil {
		return 0, fmt.Errorf("archive: clear memories: %w", err)
	}
	res, err := s.db.Exec(`DELETE FROM memories WHERE kind = ?`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("archive: clear memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive: clear memories: %w", err)
	}
	return int(n), nil
}

// MemoryStats counts memories per kind.
func (s *Store) MemoryStats() (*MemoryStats, error) {
	rows, err := s.db.Query(`SELECT kind, count(*) FROM memories GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("archive: memory stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var st MemoryStats
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("archive: memory stats: %w", err)
		}
		switch MemoryKind(kind) {
		case MemorySemantic:
			st.Semantic = n
		case MemoryProcedural:
			st.Procedural = n
		case MemoryEpisodic:
			st.Episodic = n
		}
		st.Total += n
	}
	return &st, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func scanMemory(scan func(dest ...any) error) (*Memory, error) {
	var (
		m    Memory
		kind string
		meta string
	)
	if err := scan(&m.ID, &kind, &m.Content, &meta, &m.AccessCount, &m.CreatedAt, &m.LastAccessed); err != nil {
		return nil, err
	}
	m.Kind = MemoryKind(kind)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("archive: memory %s metadata: %w", m.ID, err)
		}
	}
	return &m, nil
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// encodeVector stores v as little-endian float32s.
func encodeVector(v embedding.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) embedding.Vector {
	v := make(embedding.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
