package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HendryAvila/papertrail/internal/trail"
)

// Outcome is what applying a trigger did.
type Outcome struct {
	TokensFreed int      `json:"tokens_freed"`
	ArchiveIDs  []string `json:"archive_ids"`
	SummaryID   string   `json:"summary_id,omitempty"`
}

// LogEntry is one row of the compression audit log.
type LogEntry struct {
	Trigger   trail.Trigger `json:"trigger"`
	Outcome   Outcome       `json:"outcome"`
	AppliedAt string        `json:"applied_at"`
}

// LogTrigger records an applied trigger and its outcome. Logging the same
// trigger twice is an error.
func (s *Store) LogTrigger(t trail.Trigger, o Outcome) error {
	itemIDs, err := json.Marshal(nonNil(t.ItemIDs))
	if err != nil {
		return fmt.Errorf("archive: log trigger: %w", err)
	}
	archiveIDs, err := json.Marshal(nonNil(o.ArchiveIDs))
	if err != nil {
		return fmt.Errorf("archive: log trigger: %w", err)
	}
	forced := 0
	if t.Forced {
		forced = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO compression_log (trigger_id, session_id, kind, source_tier, target_tier, forced,
			tokens_to_free, tokens_freed, item_ids, archive_ids, summary_id, reason, budget_status,
			created_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, string(t.Kind), int(t.SourceTier), int(t.TargetTier), forced,
		t.TokensToFree, o.TokensFreed, string(itemIDs), string(archiveIDs), nullableString(o.SummaryID),
		t.Reason, t.BudgetStatus, formatTime(t.CreatedAt), Now())
	if err != nil {
		return fmt.Errorf("archive: log trigger %s: %w", t.ID, err)
	}
	return nil
}

// Triggers returns a session's logged triggers, oldest first, so they can
// be replayed in order.
func (s *Store) Triggers(sessionID string) ([]LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT trigger_id, session_id, kind, source_tier, target_tier, forced, tokens_to_free,
		       tokens_freed, item_ids, archive_ids, ifnull(summary_id, ''), ifnull(reason, ''),
		       ifnull(budget_status, ''), created_at, applied_at
		FROM compression_log
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry
	for rows.Next() {
		var (
			e                   LogEntry
			kind                string
			src, dst, forced    int
			itemIDs, archiveIDs string
			createdAt           string
		)
		if err := rows.Scan(&e.Trigger.ID, &e.Trigger.SessionID, &kind, &src, &dst, &forced,
			&e.Trigger.TokensToFree, &e.Outcome.TokensFreed, &itemIDs, &archiveIDs, &e.Outcome.SummaryID,
			&e.Trigger.Reason, &e.Trigger.BudgetStatus, &createdAt, &e.AppliedAt); err != nil {
			return nil, err
		}
		e.Trigger.Kind = trail.TriggerKind(kind)
		e.Trigger.SourceTier = trail.Tier(src)
		e.Trigger.TargetTier = trail.Tier(dst)
		e.Trigger.Forced = forced == 1
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.Trigger.CreatedAt = ts
		}
		if err := json.Unmarshal([]byte(itemIDs), &e.Trigger.ItemIDs); err != nil {
			return nil, fmt.Errorf("archive: trigger %s item ids: %w", e.Trigger.ID, err)
		}
		if err := json.Unmarshal([]byte(archiveIDs), &e.Outcome.ArchiveIDs); err != nil {
			return nil, fmt.Errorf("archive: trigger %s archive ids: %w", e.Trigger.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
