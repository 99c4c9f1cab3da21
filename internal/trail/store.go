package trail

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/HendryAvila/papertrail/internal/fsutil"
)

// FileName is the trail file inside a session directory.
const FileName = "trail.json"

var (
	// ErrItemNotFound is returned for unknown item IDs.
	ErrItemNotFound = errors.New("trail item not found")
	// ErrArchivedTier is returned when writing live content to Tier 5.
	ErrArchivedTier = errors.New("tier 5 holds archived content only")
)

// Counter counts tokens.
type Counter interface {
	Count(text string) int
}

// Store is the paper trail of one session. Mutations are persisted to
// <dir>/trail.json immediately when a directory is set.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	dir       string
	counter   Counter
	now       func() time.Time

	tiers    map[Tier][]*Item
	archived []ArchiveRef
	// synced is the hash of trail.json as this store last wrote or read it.
	synced [32]byte
}

type snapshot struct {
	SessionID string           `json:"session_id"`
	Tiers     map[Tier][]*Item `json:"tiers"`
	Archived  []ArchiveRef     `json:"archived,omitempty"`
	Ceilings  map[Tier]int     `json:"ceilings"`
	SavedAt   time.Time        `json:"saved_at"`
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty trail. dir may be empty for an in-memory trail.
func New(sessionID, dir string, counter Counter, opts ...Option) *Store {
	s := &Store{
		sessionID: sessionID,
		dir:       dir,
		counter:   counter,
		now:       func() time.Time { return time.Now().UTC() },
		tiers:     make(map[Tier][]*Item),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open loads the trail persisted under dir, or returns an empty one.
func Open(sessionID, dir string, counter Counter, opts ...Option) (*Store, error) {
	s := New(sessionID, dir, counter, opts...)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the trail file path, or "" for an in-memory trail.
func (s *Store) Path() string {
	if s.dir == "" {
		return ""
	}
	return filepath.Join(s.dir, FileName)
}

// SessionID returns the owning session.
func (s *Store) SessionID() string { return s.sessionID }

// Reload replaces in-memory state with the persisted trail. A missing file
// leaves the trail empty. A file identical to the one this store last wrote
// or read is skipped, so a reload never rolls back newer in-memory state.
func (s *Store) Reload() error {
	path := s.Path()
	if path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("trail: reading %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	if sum == s.synced {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("trail: parsing %s: %w", path, err)
	}

	s.tiers = make(map[Tier][]*Item)
	for tier, items := range snap.Tiers {
		if tier == TierArchived || !tier.Valid() {
			continue
		}
		s.tiers[tier] = items
	}
	s.archived = snap.Archived
	s.synced = sum
	return nil
}

// Append adds content to a live tier. Appends that overflow the tier's
// ceiling are accepted; Overflow reports the excess for compression to
// resolve.
func (s *Store) Append(tier Tier, content string, key bool) (Item, error) {
	if tier == TierArchived {
		return Item{}, ErrArchivedTier
	}
	if !tier.Valid() {
		return Item{}, fmt.Errorf("trail: invalid tier %d", tier)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Item{}, errors.New("trail: empty content")
	}

	now := s.now()
	it := &Item{
		ID:             uuid.NewString(),
		Tier:           tier,
		Content:        content,
		Tokens:         s.counter.Count(content),
		Key:            key,
		State:          StateActive,
		CreatedAt:      now,
		LastReferenced: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.tiers[tier]
	s.tiers[tier] = append(prev, it)
	if err := s.persistLocked(); err != nil {
		s.tiers[tier] = prev
		return Item{}, err
	}
	return *it, nil
}

// Items returns copies of the items in tier, oldest first.
func (s *Store) Items(tier Tier) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.tiers[tier]))
	for _, it := range s.tiers[tier] {
		out = append(out, *it)
	}
	return out
}

// Item looks up an item by ID in any live tier.
func (s *Store) Item(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, _, _ := s.findLocked(id); it != nil {
		return *it, true
	}
	return Item{}, false
}

// Touch marks an item as referenced now, resetting its age.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, _, _ := s.findLocked(id)
	if it == nil {
		return fmt.Errorf("trail: %s: %w", id, ErrItemNotFound)
	}
	it.LastReferenced = s.now()
	if it.State == StateAged {
		it.State = StateActive
	}
	return s.persistLocked()
}

// MarkAged flags items past their tier's age threshold. It returns how
// many items changed state.
func (s *Store) MarkAged(policy AgePolicy) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, tier := range []Tier{TierRecent, TierHistorical} {
		limit := policy.MaxAge(tier)
		for _, it := range s.tiers[tier] {
			if it.State == StateActive && limit > 0 && it.Age(now) >= limit {
				it.State = StateAged
				changed++
			}
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, s.persistLocked()
}

// TokensByTier returns the live token total of each tier. Tier 5 is
// always 0.
func (s *Store) TokensByTier() map[Tier]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Tier]int, 5)
	for _, t := range LiveTiers {
		for _, it := range s.tiers[t] {
			out[t] += it.Tokens
		}
	}
	out[TierArchived] = 0
	return out
}

// LiveTokens is the total over tiers 1-4.
func (s *Store) LiveTokens() int {
	total := 0
	for _, n := range s.TokensByTier() {
		total += n
	}
	return total
}

// Overflow returns how far tier is above its ceiling, or 0.
func (s *Store) Overflow(tier Tier) int {
	over := s.TokensByTier()[tier] - tier.Ceiling()
	if over < 0 || tier == TierArchived {
		return 0
	}
	return over
}

// Replace removes ids from source and, if replacement is non-nil, inserts
// it into replacement.Tier. It is the only way items leave a tier and is
// reserved for the compression engine. Tier 1 can never be a source.
func (s *Store) Replace(source Tier, ids []string, replacement *Item) error {
	if source == TierHead {
		return fmt.Errorf("trail: replace: %w", ErrTier1Immutable)
	}
	if replacement != nil && (replacement.Tier == TierHead || replacement.Tier == TierArchived) {
		return fmt.Errorf("trail: replacement cannot target %s", replacement.Tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if !slices.ContainsFunc(s.tiers[source], func(it *Item) bool { return it.ID == id }) {
			return fmt.Errorf("trail: %s in %s: %w", id, source, ErrItemNotFound)
		}
	}
	s.tiers[source] = slices.DeleteFunc(s.tiers[source], func(it *Item) bool {
		return slices.Contains(ids, it.ID)
	})
	if replacement != nil {
		r := *replacement
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		if r.LastReferenced.IsZero() {
			r.LastReferenced = r.CreatedAt
		}
		if r.Tokens == 0 {
			r.Tokens = s.counter.Count(r.Content)
		}
		s.tiers[r.Tier] = append(s.tiers[r.Tier], &r)
	}
	return s.persistLocked()
}

// RecordArchived notes archive references for items that left the live
// tiers.
func (s *Store) RecordArchived(refs ...ArchiveRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, refs...)
	return s.persistLocked()
}

// Archived returns the archive references, oldest first.
func (s *Store) Archived() []ArchiveRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.archived)
}

// Resurface brings archived content back as a new Tier 3 item. It is the
// only path from the archive to the live tiers and must be called
// explicitly.
func (s *Store) Resurface(archiveID, content string) (Item, error) {
	it, err := s.Append(TierRecent, content, false)
	if err != nil {
		return Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	live, _, _ := s.findLocked(it.ID)
	live.ResurfacedFrom = archiveID
	if err := s.persistLocked(); err != nil {
		return Item{}, err
	}
	return *live, nil
}

// Render joins the live tiers, head first, for inclusion in a context.
// The count covers the rendered text, tier labels and separators included,
// and never exceeds maxTokens when it is positive.
func (s *Store) Render(maxTokens int) (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	used := 0
	for _, t := range LiveTiers {
		for _, it := range s.tiers[t] {
			entry := fmt.Sprintf("[T%d] %s", int(t), it.Content)
			if b.Len() > 0 {
				entry = "\n\n" + entry
			}
			n := s.counter.Count(entry)
			if maxTokens > 0 && used+n > maxTokens {
				continue
			}
			b.WriteString(entry)
			used += n
		}
	}
	return b.String(), used
}

func (s *Store) findLocked(id string) (*Item, Tier, int) {
	for _, t := range LiveTiers {
		for i, it := range s.tiers[t] {
			if it.ID == id {
				return it, t, i
			}
		}
	}
	return nil, 0, -1
}

func (s *Store) persistLocked() error {
	path := s.Path()
	if path == "" {
		return nil
	}
	ceilings := make(map[Tier]int, len(tierSpecs))
	for t := range tierSpecs {
		ceilings[t] = t.Ceiling()
	}
	data, err := json.MarshalIndent(snapshot{
		SessionID: s.sessionID,
		Tiers:     s.tiers,
		Archived:  s.archived,
		Ceilings:  ceilings,
		SavedAt:   s.now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("trail: marshaling: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("trail: saving %s: %w", path, err)
	}
	s.synced = blake3.Sum256(data)
	return nil
}
