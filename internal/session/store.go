// Package session persists session records: identity, classification and
// budget consumption. Each session owns a directory under the sessions
// root; the paper trail lives beside the record in the same directory.
package session

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/classify"
	"github.com/HendryAvila/papertrail/internal/fsutil"
)

// RecordFile is the filename for session records.
const RecordFile = "session.json"

var (
	// ErrNotFound is returned when no record exists for an ID.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidID is returned for IDs that are not safe directory names.
	ErrInvalidID = errors.New("invalid session id")
)

// Record is the persisted state of a session.
type Record struct {
	ID             string                `json:"id"`
	Signature      classify.Signature    `json:"signature"`
	Classification budget.Classification `json:"classification"`
	Score          float64               `json:"score"`
	MatchedID      string                `json:"matched_id,omitempty"`
	Consumed       map[budget.Pool]int   `json:"consumed"`
	CreatedAt      string                `json:"created_at"`
	UpdatedAt      string                `json:"updated_at"`

	// Checksum is the BLAKE3 hash of session.json as last read or written.
	Checksum string `json:"-"`
}

// Store defines the persistence interface for session records.
type Store interface {
	Create(rec *Record) error
	Load(id string) (*Record, error)
	Save(rec *Record) error
	List() ([]Record, error)
	Dir(id string) string
}

// FileStore implements Store on the local filesystem.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at root (usually <data>/sessions).
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the sessions root.
func (fs *FileStore) Root() string { return fs.root }

// Dir returns the directory owned by session id.
func (fs *FileStore) Dir(id string) string {
	return filepath.Join(fs.root, id)
}

// RecordPath returns the path to a session's session.json.
func (fs *FileStore) RecordPath(id string) string {
	return filepath.Join(fs.Dir(id), RecordFile)
}

// ValidateID accepts only letters, digits, '-' and '_', so an ID can
// never name a path outside the sessions root.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// Create persists a new record. It fails if the session already exists.
func (fs *FileStore) Create(rec *Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	if _, err := os.Stat(fs.RecordPath(rec.ID)); err == nil {
		return fmt.Errorf("session %q already exists", rec.ID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return fs.write(rec)
}

// Load reads a record by ID.
func (fs *FileStore) Load(id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.RecordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("reading session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing session.json for %q: %w", id, err)
	}
	rec.Checksum = checksum(data)
	return &rec, nil
}

// Save updates an existing record.
func (fs *FileStore) Save(rec *Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return fs.write(rec)
}

// List returns every readable record, most recently updated first.
// Unreadable records are skipped.
func (fs *FileStore) List() ([]Record, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sessions directory: %w", err)
	}

	var result []Record
	for _, entry := range entries {
		if !entry.IsDir() || ValidateID(entry.Name()) != nil {
			continue
		}
		rec, err := fs.Load(entry.Name())
		if err != nil {
			continue
		}
		result = append(result, *rec)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result, nil
}

func (fs *FileStore) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(fs.RecordPath(rec.ID), data, 0o644); err != nil {
		return err
	}
	rec.Checksum = checksum(data)
	return nil
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
