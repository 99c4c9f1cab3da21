// Package trail implements the tiered paper trail of a session.
//
// Tier 1 (Head) holds the current thesis and is never compressed. Tiers 2-4
// hold progressively older, more compacted material. Tier 5 is the archive:
// it lives outside the session on disk and counts zero live tokens.
package trail

import (
	"fmt"
	"time"
)

// Tier identifies a paper trail tier, 1 through 5.
type Tier int

const (
	TierHead        Tier = 1
	TierKeyEvidence Tier = 2
	TierRecent      Tier = 3
	TierHistorical  Tier = 4
	TierArchived    Tier = 5
)

// LiveTiers are the tiers whose content occupies the input window.
var LiveTiers = []Tier{TierHead, TierKeyEvidence, TierRecent, TierHistorical}

var tierSpecs = map[Tier]struct {
	name    string
	ceiling int
	policy  string
}{
	TierHead:        {"head", 500, "immutable"},
	TierKeyEvidence: {"key_evidence", 1500, "rarely-compressed"},
	TierRecent:      {"recent", 3000, "age-compressed"},
	TierHistorical:  {"historical", 1000, "age-compressed"},
	TierArchived:    {"archived", 0, "archived-only"},
}

// Valid reports whether t is one of the five tiers.
func (t Tier) Valid() bool {
	_, ok := tierSpecs[t]
	return ok
}

// Ceiling is the tier's live token ceiling.
func (t Tier) Ceiling() int { return tierSpecs[t].ceiling }

// Policy describes how the tier is compressed.
func (t Tier) Policy() string { return tierSpecs[t].policy }

func (t Tier) String() string {
	if s, ok := tierSpecs[t]; ok {
		return fmt.Sprintf("tier%d(%s)", int(t), s.name)
	}
	return fmt.Sprintf("tier%d(invalid)", int(t))
}

// Compressible reports whether t may be the source of a compression.
// Tier 2 only qualifies when forced.
func (t Tier) Compressible(forced bool) bool {
	switch t {
	case TierRecent, TierHistorical:
		return true
	case TierKeyEvidence:
		return forced
	}
	return false
}

// AgePolicy holds the age thresholds for tiers 3 and 4.
type AgePolicy struct {
	Recent     time.Duration // Tier 3 -> Tier 4
	Historical time.Duration // Tier 4 -> Tier 5
}

// DefaultAgePolicy is 7 days for Recent and 30 days for Historical.
var DefaultAgePolicy = AgePolicy{
	Recent:     7 * 24 * time.Hour,
	Historical: 30 * 24 * time.Hour,
}

// MaxAge returns the age after which t is demoted; 0 means never.
func (p AgePolicy) MaxAge(t Tier) time.Duration {
	switch t {
	case TierRecent:
		return p.Recent
	case TierHistorical:
		return p.Historical
	}
	return 0
}

// State is the lifecycle state of an item.
type State string

const (
	StateActive     State = "active"
	StateAged       State = "aged"
	StateCompressed State = "compressed"
	StateArchived   State = "archived"
)

// Item is one entry in a tier.
type Item struct {
	ID             string    `json:"id"`
	Tier           Tier      `json:"tier"`
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens"`
	Key            bool      `json:"key,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastReferenced time.Time `json:"last_referenced"`
	MergedFrom     []string  `json:"merged_from,omitempty"`
	ResurfacedFrom string    `json:"resurfaced_from,omitempty"`
}

// Age is the time since the item was last referenced.
func (it Item) Age(now time.Time) time.Duration {
	return now.Sub(it.LastReferenced)
}

// ArchiveRef points at archived content for an item that left the live tiers.
type ArchiveRef struct {
	ItemID     string    `json:"item_id"`
	ArchiveID  string    `json:"archive_id"`
	FromTier   Tier      `json:"from_tier"`
	Tokens     int       `json:"tokens"`
	TriggerID  string    `json:"trigger_id"`
	ArchivedAt time.Time `json:"archived_at"`
}
