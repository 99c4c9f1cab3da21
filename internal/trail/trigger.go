package trail

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerKind says why a compression was requested.
type TriggerKind string

const (
	KindAgeDemotion    TriggerKind = "age_demotion"
	KindBudgetPressure TriggerKind = "budget_pressure"
	KindUserRequest    TriggerKind = "user_request"
)

// Trigger is a request to compress named items from one tier into a later
// one. Triggers are plain data: they can be logged, inspected and replayed.
type Trigger struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	Kind         TriggerKind `json:"kind"`
	SourceTier   Tier        `json:"source_tier"`
	TargetTier   Tier        `json:"target_tier"`
	ItemIDs      []string    `json:"item_ids,omitempty"`
	TokensToFree int         `json:"tokens_to_free,omitempty"`
	Forced       bool        `json:"forced,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	BudgetStatus string      `json:"budget_status,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ErrTier1Immutable is returned for any operation that would compress,
// demote or remove Tier 1 content.
var ErrTier1Immutable = errors.New("tier 1 is immutable")

// NewTrigger stamps a trigger with an ID and creation time.
func NewTrigger(sessionID string, kind TriggerKind, source, target Tier, now time.Time) Trigger {
	return Trigger{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Kind:       kind,
		SourceTier: source,
		TargetTier: target,
		CreatedAt:  now,
	}
}

// Validate checks the structural rules every trigger must obey. A pressure
// trigger without a source tier is valid: the engine picks the tiers.
func (t Trigger) Validate() error {
	switch t.Kind {
	case KindAgeDemotion, KindBudgetPressure, KindUserRequest:
	default:
		return fmt.Errorf("trigger %s: unknown kind %q", t.ID, t.Kind)
	}
	if t.SourceTier == TierHead || t.TargetTier == TierHead {
		return fmt.Errorf("trigger %s: %w", t.ID, ErrTier1Immutable)
	}
	if t.Kind == KindBudgetPressure && t.SourceTier == 0 {
		if t.TokensToFree <= 0 {
			return fmt.Errorf("trigger %s: pressure trigger needs tokens_to_free", t.ID)
		}
		return nil
	}
	if !t.SourceTier.Compressible(true) {
		return fmt.Errorf("trigger %s: %s is not compressible", t.ID, t.SourceTier)
	}
	if t.TargetTier <= t.SourceTier || !t.TargetTier.Valid() {
		return fmt.Errorf("trigger %s: target %s must follow source %s", t.ID, t.TargetTier, t.SourceTier)
	}
	return nil
}
